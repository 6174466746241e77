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
	"strings"
	"sync"

	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/position"
)

// IDatabase is a pooled connection to a source or target store plus its dialect
type IDatabase interface {
	QueryContext(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, sqlStr string, args ...any) *sql.Row
	ExecContext(ctx context.Context, sqlStr string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	GeneralQuery(ctx context.Context, sqlStr string, args ...any) ([]string, []map[string]string, error)
	PingDatabaseConnection(ctx context.Context) error
	IDatabaseMetadata
	Dialect() Dialect
	Close() error
}

// IDatabaseMetadata reads table metadata
type IDatabaseMetadata interface {
	GetDatabaseTables(ctx context.Context) ([]string, error)
	GetTableColumns(ctx context.Context, tableName string) ([]*TableColumn, error)
	FilterDatabaseTable(ctx context.Context, includeTables, excludeTables []string) ([]string, error)
}

// Dialect renders the store specific SQL and classifies its errors
type Dialect interface {
	DatabaseType() string
	QuoteIdentifier(name string) string
	// Placeholder returns the bind marker of the 1-based argument index
	Placeholder(index int) string
	// NullSafeEqual renders a comparison that treats two NULLs as equal
	NullSafeEqual(quotedColumn, placeholder string) string
	// UpsertSQL renders an insert that overwrites the row on a unique key conflict
	UpsertSQL(tableName string, columns, keys []string) string
	IsConstraintViolation(err error) bool
	IsIntegerType(dataType string) bool
	// BinaryOrder renders an ORDER BY expression sorting the column by the bytes of its text form
	BinaryOrder(quotedColumn string) string
	// TablesSQL lists the tables of the connected database
	TablesSQL() string
	// ColumnsSQL lists name, data type and primary key ordinal (0 when not a key) of a table
	ColumnsSQL() string
	position.Parser
}

// TableColumn is one column of a table
type TableColumn struct {
	Name              string
	DataType          string
	PrimaryKeyOrdinal int
}

// PrimaryKeys returns the primary key columns ordered by ordinal
func PrimaryKeys(columns []*TableColumn) []*TableColumn {
	var keys []*TableColumn
	for ordinal := 1; ; ordinal++ {
		found := false
		for _, c := range columns {
			if c.PrimaryKeyOrdinal == ordinal {
				keys = append(keys, c)
				found = true
				break
			}
		}
		if !found {
			return keys
		}
	}
}

// ColumnNames returns the column names
func ColumnNames(columns []*TableColumn) []string {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.Name)
	}
	return names
}

// OpenFunc opens a database for a data source descriptor
type OpenFunc func(ctx context.Context, desc *datasource.Descriptor) (IDatabase, error)

// Factory opens databases by data source type
type Factory struct {
	mu      sync.RWMutex
	openers map[string]OpenFunc
}

func NewFactory() *Factory {
	return &Factory{openers: make(map[string]OpenFunc)}
}

func (f *Factory) Register(dbType string, open OpenFunc) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openers[strings.ToUpper(dbType)] = open
	return f
}

func (f *Factory) NewDatabase(ctx context.Context, desc *datasource.Descriptor) (IDatabase, error) {
	dbType, err := ResolveDatabaseType(desc)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	open, ok := f.openers[dbType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("the datasource [%s] database type [%s] is not supported", desc.Name, dbType)
	}
	return open(ctx, desc)
}

// SupportedTypes returns the registered database types
func (f *Factory) SupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var types []string
	for t := range f.openers {
		types = append(types, t)
	}
	return types
}
