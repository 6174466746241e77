/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

const urlScheme = "sqlite://"

// Database is an embedded sqlite store, used as a migration target and by tests
type Database struct {
	*database.Conn
}

// NewDatabase opens the sqlite url `sqlite://<dsn>`, eg. sqlite://file:t_order?mode=memory&cache=shared
func NewDatabase(ctx context.Context, desc *datasource.Descriptor) (database.IDatabase, error) {
	if !strings.HasPrefix(desc.URL, urlScheme) {
		return nil, fmt.Errorf("the datasource [%s] url [%s] is not a sqlite url", desc.Name, desc.URL)
	}
	db, err := sql.Open("sqlite", strings.TrimPrefix(desc.URL, urlScheme))
	if err != nil {
		return nil, fmt.Errorf("error on open sqlite database connection: %v", err)
	}
	// sqlite serializes writers, a single connection avoids SQLITE_BUSY between pooled connections
	maxConn, err := strconv.Atoi(desc.Prop("maxOpenConns", "1"))
	if err != nil {
		return nil, fmt.Errorf("the datasource [%s] prop maxOpenConns is invalid: %v", desc.Name, err)
	}
	database.SetConnPool(db, maxConn)

	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error on ping sqlite database connection: %v", err)
	}
	return &Database{Conn: database.NewConn(db, Dialect{})}, nil
}

// NewMemoryDatabase opens the named shared cache in-memory database, it lives
// as long as a connection of the pool is open
func NewMemoryDatabase(ctx context.Context, name string) (database.IDatabase, error) {
	return NewDatabase(ctx, &datasource.Descriptor{
		Name:   name,
		DbType: constant.DatabaseTypeSQLite,
		URL:    fmt.Sprintf("%sfile:%s?mode=memory&cache=shared", urlScheme, name),
	})
}

// Dialect is the sqlite SQL dialect
type Dialect struct{}

func (Dialect) DatabaseType() string {
	return constant.DatabaseTypeSQLite
}

func (Dialect) QuoteIdentifier(name string) string {
	return fmt.Sprintf(`"%s"`, strings.ReplaceAll(name, `"`, `""`))
}

func (Dialect) Placeholder(int) string {
	return "?"
}

func (Dialect) NullSafeEqual(quotedColumn, placeholder string) string {
	return fmt.Sprintf("%s IS %s", quotedColumn, placeholder)
}

func (d Dialect) UpsertSQL(tableName string, columns, keys []string) string {
	quoted := database.QuoteColumns(d, columns)
	if len(keys) == 0 {
		return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			d.QuoteIdentifier(tableName),
			stringutil.StringJoin(quoted, constant.StringSeparatorComma),
			stringutil.StringJoin(database.Placeholders(d, 1, len(columns)), constant.StringSeparatorComma))
	}
	var sets []string
	for _, c := range columns {
		if stringutil.IsContainedString(keys, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + stringutil.StringJoin(sets, constant.StringSeparatorComma)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.QuoteIdentifier(tableName),
		stringutil.StringJoin(quoted, constant.StringSeparatorComma),
		stringutil.StringJoin(database.Placeholders(d, 1, len(columns)), constant.StringSeparatorComma),
		stringutil.StringJoin(database.QuoteColumns(d, keys), constant.StringSeparatorComma),
		action)
}

func (Dialect) IsConstraintViolation(err error) bool {
	var e *sqlite.Error
	if errors.As(err, &e) {
		return e.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (Dialect) IsIntegerType(dataType string) bool {
	return strings.Contains(strings.ToUpper(dataType), "INT")
}

func (Dialect) BinaryOrder(quotedColumn string) string {
	return fmt.Sprintf("CAST(%s AS TEXT) COLLATE BINARY", quotedColumn)
}

func (Dialect) TablesSQL() string {
	return `SELECT name AS TABLE_NAME FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
}

func (Dialect) ColumnsSQL() string {
	return `SELECT name, type, pk FROM pragma_table_info(?) ORDER BY cid`
}

// ParsePosition parses inventory positions, sqlite has no change stream
func (Dialect) ParsePosition(s string) (position.Position, error) {
	return position.ParseInventory(s)
}
