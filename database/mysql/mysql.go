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
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Database is a mysql compatible source or target
type Database struct {
	*database.Conn
	Desc   *datasource.Descriptor
	Schema string
	Host   string
	Port   uint16
}

// NewDatabase opens the url `mysql://host:port/db?params`
func NewDatabase(ctx context.Context, desc *datasource.Descriptor) (database.IDatabase, error) {
	d, err := Open(ctx, desc, Dialect{})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Open opens a mysql protocol connection with the given dialect
func Open(ctx context.Context, desc *datasource.Descriptor, dialect database.Dialect) (*Database, error) {
	cfg, host, port, err := ParseURL(desc)
	if err != nil {
		return nil, err
	}
	mysqlDB, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("error on open mysql database connection: %v", err)
	}
	maxConn, err := strconv.Atoi(desc.Prop("maxOpenConns", strconv.Itoa(database.DatabaseMaxConn)))
	if err != nil {
		return nil, fmt.Errorf("the datasource [%s] prop maxOpenConns is invalid: %v", desc.Name, err)
	}
	database.SetConnPool(mysqlDB, maxConn)

	if err = mysqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error on ping mysql database connection: %v", err)
	}
	return &Database{
		Conn:   database.NewConn(mysqlDB, dialect),
		Desc:   desc,
		Schema: cfg.DBName,
		Host:   host,
		Port:   port,
	}, nil
}

// ParseURL converts the datasource url into the driver config, the url scheme
// is mysql or tidb and the query string carries driver params
func ParseURL(desc *datasource.Descriptor) (*mysql.Config, string, uint16, error) {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return nil, "", 0, fmt.Errorf("parse the datasource [%s] url failed: %v", desc.Name, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, "", 0, fmt.Errorf("parse the datasource [%s] url host [%s] failed: %v", desc.Name, u.Host, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, "", 0, fmt.Errorf("parse the datasource [%s] url port [%s] failed: %v", desc.Name, portStr, err)
	}

	cfg := mysql.NewConfig()
	cfg.User = desc.Username
	cfg.Passwd = desc.Password
	cfg.Net = "tcp"
	cfg.Addr = stringutil.WithHostPort(u.Host)
	cfg.DBName = strings.TrimPrefix(u.Path, constant.StringSeparatorSlash)
	cfg.ParseTime = true
	// rows affected counts matched rows, an unchanged update is not a missed one
	cfg.ClientFoundRows = true
	cfg.Params = make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			cfg.Params[k] = v[0]
		}
	}
	if cfg.DBName == "" {
		return nil, "", 0, fmt.Errorf("the datasource [%s] url [%s] database name is empty", desc.Name, desc.URL)
	}
	return cfg, host, uint16(port), nil
}

// Dialect is the mysql SQL dialect
type Dialect struct{}

func (Dialect) DatabaseType() string {
	return constant.DatabaseTypeMySQL
}

func (Dialect) QuoteIdentifier(name string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(name, "`", "``"))
}

func (Dialect) Placeholder(int) string {
	return "?"
}

func (Dialect) NullSafeEqual(quotedColumn, placeholder string) string {
	return fmt.Sprintf("%s <=> %s", quotedColumn, placeholder)
}

func (d Dialect) UpsertSQL(tableName string, columns, keys []string) string {
	var sets []string
	for _, c := range columns {
		if stringutil.IsContainedString(keys, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdentifier(c), d.QuoteIdentifier(c)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", d.QuoteIdentifier(columns[0]), d.QuoteIdentifier(columns[0])))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.QuoteIdentifier(tableName),
		stringutil.StringJoin(database.QuoteColumns(d, columns), constant.StringSeparatorComma),
		stringutil.StringJoin(database.Placeholders(d, 1, len(columns)), constant.StringSeparatorComma),
		stringutil.StringJoin(sets, constant.StringSeparatorComma))
}

// mysql error numbers of integrity constraint violations
var constraintErrors = map[uint16]struct{}{
	1048: {}, // column cannot be null
	1062: {}, // duplicate entry
	1216: {},
	1217: {},
	1451: {},
	1452: {},
}

func (Dialect) IsConstraintViolation(err error) bool {
	var e *mysql.MySQLError
	if errors.As(err, &e) {
		_, ok := constraintErrors[e.Number]
		return ok
	}
	return false
}

func (Dialect) IsIntegerType(dataType string) bool {
	switch strings.ToUpper(dataType) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
		return true
	default:
		return false
	}
}

func (Dialect) BinaryOrder(quotedColumn string) string {
	return fmt.Sprintf("CAST(%s AS BINARY)", quotedColumn)
}

func (Dialect) TablesSQL() string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`
}

func (Dialect) ColumnsSQL() string {
	return `SELECT
	c.COLUMN_NAME,
	c.DATA_TYPE,
	k.ORDINAL_POSITION
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
	ON k.TABLE_SCHEMA = c.TABLE_SCHEMA
	AND k.TABLE_NAME = c.TABLE_NAME
	AND k.COLUMN_NAME = c.COLUMN_NAME
	AND k.CONSTRAINT_NAME = 'PRIMARY'
WHERE c.TABLE_SCHEMA = DATABASE()
	AND c.TABLE_NAME = ?
ORDER BY c.ORDINAL_POSITION`
}

func (Dialect) ParsePosition(s string) (position.Position, error) {
	if s == "" {
		return position.Placeholder{}, nil
	}
	return ParseBinlogPosition(s)
}
