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
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

type Database struct {
	*database.Conn
	Desc *datasource.Descriptor
	// connString is the libpq url carrying the credentials
	connString string
}

// NewDatabase opens the url `postgres://host:port/db?sslmode=disable`
func NewDatabase(ctx context.Context, desc *datasource.Descriptor) (database.IDatabase, error) {
	connString, err := buildConnString(desc)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("error on open postgresql database connection: %v", err)
	}
	maxConn, err := strconv.Atoi(desc.Prop("maxOpenConns", strconv.Itoa(database.DatabaseMaxConn)))
	if err != nil {
		return nil, fmt.Errorf("the datasource [%s] prop maxOpenConns is invalid: %v", desc.Name, err)
	}
	database.SetConnPool(db, maxConn)

	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error on ping postgresql database connection: %v", err)
	}
	return &Database{
		Conn:       database.NewConn(db, Dialect{}),
		Desc:       desc,
		connString: connString,
	}, nil
}

func buildConnString(desc *datasource.Descriptor) (string, error) {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return "", fmt.Errorf("parse the datasource [%s] url failed: %v", desc.Name, err)
	}
	u.Scheme = "postgres"
	u.User = url.UserPassword(desc.Username, desc.Password)
	if strings.EqualFold(strings.TrimPrefix(u.Path, constant.StringSeparatorSlash), "") {
		u.Path = "/postgres"
	}
	query := u.Query()
	if query.Get("sslmode") == "" {
		query.Set("sslmode", "disable")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// replicationConnString is the connection string of a logical replication session
func (d *Database) replicationConnString() string {
	u, _ := url.Parse(d.connString)
	query := u.Query()
	query.Set("replication", "database")
	u.RawQuery = query.Encode()
	return u.String()
}

// Dialect is the postgresql SQL dialect
type Dialect struct{}

func (Dialect) DatabaseType() string {
	return constant.DatabaseTypePostgresql
}

func (Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (Dialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (Dialect) NullSafeEqual(quotedColumn, placeholder string) string {
	return fmt.Sprintf("%s IS NOT DISTINCT FROM %s", quotedColumn, placeholder)
}

func (d Dialect) UpsertSQL(tableName string, columns, keys []string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(tableName),
		stringutil.StringJoin(database.QuoteColumns(d, columns), constant.StringSeparatorComma),
		stringutil.StringJoin(database.Placeholders(d, 1, len(columns)), constant.StringSeparatorComma))
	if len(keys) == 0 {
		return insert
	}
	var sets []string
	for _, c := range columns {
		if stringutil.IsContainedString(keys, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + stringutil.StringJoin(sets, constant.StringSeparatorComma)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) %s",
		insert, stringutil.StringJoin(database.QuoteColumns(d, keys), constant.StringSeparatorComma), action)
}

// IsConstraintViolation matches the sqlstate class 23, integrity constraint violation
func (Dialect) IsConstraintViolation(err error) bool {
	var e *pq.Error
	if errors.As(err, &e) {
		return e.Code.Class() == "23"
	}
	return false
}

func (Dialect) IsIntegerType(dataType string) bool {
	switch strings.ToUpper(dataType) {
	case "SMALLINT", "INTEGER", "BIGINT", "INT2", "INT4", "INT8", "SMALLSERIAL", "SERIAL", "BIGSERIAL":
		return true
	default:
		return false
	}
}

func (Dialect) BinaryOrder(quotedColumn string) string {
	return fmt.Sprintf(`CAST(%s AS TEXT) COLLATE "C"`, quotedColumn)
}

func (Dialect) TablesSQL() string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
}

func (Dialect) ColumnsSQL() string {
	return `SELECT
	c.column_name,
	c.data_type,
	k.ordinal_position
FROM information_schema.columns c
LEFT JOIN information_schema.table_constraints tc
	ON tc.table_schema = c.table_schema
	AND tc.table_name = c.table_name
	AND tc.constraint_type = 'PRIMARY KEY'
LEFT JOIN information_schema.key_column_usage k
	ON k.constraint_name = tc.constraint_name
	AND k.table_schema = c.table_schema
	AND k.table_name = c.table_name
	AND k.column_name = c.column_name
WHERE c.table_schema = current_schema()
	AND c.table_name = $1
ORDER BY c.ordinal_position`
}

func (Dialect) ParsePosition(s string) (position.Position, error) {
	if s == "" {
		return position.Placeholder{}, nil
	}
	return ParseWalPosition(s)
}
