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
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
	"github.com/wentaojin/scaling/utils/stringutil"
)

const (
	DatabaseMaxIdleConn     = 64
	DatabaseMaxConn         = 256
	DatabaseConnMaxLifeTime = 300 * time.Second
	DatabaseConnMaxIdleTime = 200 * time.Second
)

// NullValue is returned by GeneralQuery for a NULL column value
const NullValue = "NULLABLE"

// ResolveDatabaseType returns the upper case database type of the descriptor,
// derived from the url scheme when the type is not given
func ResolveDatabaseType(desc *datasource.Descriptor) (string, error) {
	if desc.DbType != "" {
		return strings.ToUpper(desc.DbType), nil
	}
	u, err := url.Parse(desc.URL)
	if err != nil {
		return "", fmt.Errorf("parse the datasource [%s] url [%s] failed: %v", desc.Name, desc.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mysql":
		return constant.DatabaseTypeMySQL, nil
	case "tidb":
		return constant.DatabaseTypeTiDB, nil
	case "postgres", "postgresql":
		return constant.DatabaseTypePostgresql, nil
	case "sqlite":
		return constant.DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("the datasource [%s] url scheme [%s] is not supported", desc.Name, u.Scheme)
	}
}

// Conn is the shared *sql.DB wrapper embedded by every database type
type Conn struct {
	DBConn  *sql.DB
	dialect Dialect
}

func NewConn(db *sql.DB, dialect Dialect) *Conn {
	return &Conn{DBConn: db, dialect: dialect}
}

// SetConnPool applies the connection pool limits
func SetConnPool(db *sql.DB, maxConn int) {
	if maxConn <= 0 {
		maxConn = DatabaseMaxConn
	}
	idle := DatabaseMaxIdleConn
	if idle > maxConn {
		idle = maxConn
	}
	db.SetMaxIdleConns(idle)
	db.SetMaxOpenConns(maxConn)
	db.SetConnMaxLifetime(DatabaseConnMaxLifeTime)
	db.SetConnMaxIdleTime(DatabaseConnMaxIdleTime)
}

func (d *Conn) Dialect() Dialect {
	return d.dialect
}

func (d *Conn) QueryContext(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error) {
	return d.DBConn.QueryContext(ctx, sqlStr, args...)
}

func (d *Conn) QueryRowContext(ctx context.Context, sqlStr string, args ...any) *sql.Row {
	return d.DBConn.QueryRowContext(ctx, sqlStr, args...)
}

func (d *Conn) ExecContext(ctx context.Context, sqlStr string, args ...any) (sql.Result, error) {
	return d.DBConn.ExecContext(ctx, sqlStr, args...)
}

func (d *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return d.DBConn.BeginTx(ctx, opts)
}

func (d *Conn) PingDatabaseConnection(ctx context.Context) error {
	if err := d.DBConn.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed, database error: [%v]", err)
	}
	return nil
}

func (d *Conn) GeneralQuery(ctx context.Context, sqlStr string, args ...any) ([]string, []map[string]string, error) {
	var (
		columns []string
		results []map[string]string
	)
	rows, err := d.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query sql [%v] failed, error: [%v]", sqlStr, err)
	}
	defer rows.Close()

	columns, err = rows.Columns()
	if err != nil {
		return columns, results, fmt.Errorf("query rows.Columns failed, sql: [%v], error: [%v]", sqlStr, err)
	}

	values := make([][]byte, len(columns))
	scans := make([]interface{}, len(columns))
	for i := range values {
		scans[i] = &values[i]
	}

	for rows.Next() {
		err = rows.Scan(scans...)
		if err != nil {
			return columns, results, fmt.Errorf("query rows.Scan failed, sql: [%v], error: [%v]", sqlStr, err)
		}

		row := make(map[string]string)
		for k, v := range values {
			if v == nil {
				row[columns[k]] = NullValue
			} else {
				row[columns[k]] = string(v)
			}
		}
		results = append(results, row)
	}

	if err = rows.Err(); err != nil {
		return columns, results, fmt.Errorf("query rows.Next failed, sql: [%v], error: [%v]", sqlStr, err.Error())
	}
	return columns, results, nil
}

func (d *Conn) GetDatabaseTables(ctx context.Context) ([]string, error) {
	columns, res, err := d.GeneralQuery(ctx, d.dialect.TablesSQL())
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, r := range res {
		tables = append(tables, r[columns[0]])
	}
	return tables, nil
}

func (d *Conn) GetTableColumns(ctx context.Context, tableName string) ([]*TableColumn, error) {
	rows, err := d.QueryContext(ctx, d.dialect.ColumnsSQL(), tableName)
	if err != nil {
		return nil, fmt.Errorf("query table [%s] columns failed: %v", tableName, err)
	}
	defer rows.Close()

	var columns []*TableColumn
	for rows.Next() {
		var (
			name, dataType string
			ordinal        sql.NullInt64
		)
		if err = rows.Scan(&name, &dataType, &ordinal); err != nil {
			return nil, fmt.Errorf("scan table [%s] columns failed: %v", tableName, err)
		}
		columns = append(columns, &TableColumn{
			Name:              name,
			DataType:          strings.ToUpper(dataType),
			PrimaryKeyOrdinal: int(ordinal.Int64),
		})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query table [%s] columns rows.Next failed: %v", tableName, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("the table [%s] is not exist or has no columns", tableName)
	}
	return columns, nil
}

// FilterDatabaseTable returns the tables matching the include rules or not matching the exclude rules
func (d *Conn) FilterDatabaseTable(ctx context.Context, includeTables, excludeTables []string) ([]string, error) {
	startTime := time.Now()
	var (
		exporterTableSlice []string
		excludeTableSlice  []string
	)

	allTables, err := d.GetDatabaseTables(ctx)
	if err != nil {
		return exporterTableSlice, err
	}

	switch {
	case len(includeTables) != 0 && len(excludeTables) == 0:
		f, err := filter.Parse(includeTables)
		if err != nil {
			return nil, fmt.Errorf("database filter include tables failed, error: [%v]", err)
		}
		for _, t := range allTables {
			if f.MatchTable(t) {
				exporterTableSlice = append(exporterTableSlice, t)
			}
		}
	case len(includeTables) == 0 && len(excludeTables) != 0:
		f, err := filter.Parse(excludeTables)
		if err != nil {
			return nil, fmt.Errorf("database filter exclude tables failed, error: [%v]", err)
		}
		for _, t := range allTables {
			if f.MatchTable(t) {
				excludeTableSlice = append(excludeTableSlice, t)
			}
		}
		exporterTableSlice = stringutil.StringItemsFilterDifference(allTables, excludeTableSlice)
	case len(includeTables) == 0 && len(excludeTables) == 0:
		exporterTableSlice = allTables
	default:
		return exporterTableSlice, fmt.Errorf("include tables and exclude tables cannot exist at the same time")
	}

	logger.Debug("filter database table",
		zap.String("database", d.dialect.DatabaseType()),
		zap.Strings("tables", exporterTableSlice),
		zap.Int("exclude table counts", len(excludeTableSlice)),
		zap.Int("all table counts", len(allTables)),
		zap.String("cost", time.Since(startTime).String()))
	return exporterTableSlice, nil
}

func (d *Conn) Close() error {
	return d.DBConn.Close()
}
