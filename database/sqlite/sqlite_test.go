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
	"errors"
	"reflect"
	"testing"

	"github.com/wentaojin/scaling/database"
)

func TestUpsertSQL(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		keys    []string
		want    string
	}{
		{
			name:    "update non key columns",
			columns: []string{"order_id", "status"},
			keys:    []string{"order_id"},
			want:    `INSERT INTO "t_order" ("order_id","status") VALUES (?,?) ON CONFLICT ("order_id") DO UPDATE SET "status" = excluded."status"`,
		},
		{
			name:    "key only table",
			columns: []string{"order_id"},
			keys:    []string{"order_id"},
			want:    `INSERT INTO "t_order" ("order_id") VALUES (?) ON CONFLICT ("order_id") DO NOTHING`,
		},
		{
			name:    "no key",
			columns: []string{"order_id", "status"},
			want:    `INSERT OR REPLACE INTO "t_order" ("order_id","status") VALUES (?,?)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Dialect{}).UpsertSQL("t_order", tt.columns, tt.keys); got != tt.want {
				t.Errorf("UpsertSQL() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTableMetadata(t *testing.T) {
	ctx := context.Background()
	db, err := NewMemoryDatabase(ctx, "sqlite_metadata")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for _, ddl := range []string{
		`CREATE TABLE t_order (order_id INTEGER NOT NULL, user_id INT, status VARCHAR(45) NOT NULL, PRIMARY KEY (order_id))`,
		`CREATE TABLE t_order_item (item_id INTEGER, order_id INTEGER, PRIMARY KEY (order_id, item_id))`,
	} {
		if _, err = db.ExecContext(ctx, ddl); err != nil {
			t.Fatal(err)
		}
	}

	tables, err := db.GetDatabaseTables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tables, []string{"t_order", "t_order_item"}) {
		t.Errorf("GetDatabaseTables() = %v", tables)
	}

	filters := []struct {
		name    string
		include []string
		exclude []string
		want    []string
		wantErr bool
	}{
		{name: "all", want: []string{"t_order", "t_order_item"}},
		{name: "include wildcard", include: []string{"t_order_*"}, want: []string{"t_order_item"}},
		{name: "exclude wildcard", exclude: []string{"t_order_*"}, want: []string{"t_order"}},
		{name: "include and exclude", include: []string{"t_order"}, exclude: []string{"t_order_item"}, wantErr: true},
	}
	for _, tt := range filters {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.FilterDatabaseTable(ctx, tt.include, tt.exclude)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FilterDatabaseTable() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterDatabaseTable() = %v, want %v", got, tt.want)
			}
		})
	}

	cols, err := db.GetTableColumns(ctx, "t_order_item")
	if err != nil {
		t.Fatal(err)
	}
	keys := database.ColumnNames(database.PrimaryKeys(cols))
	if !reflect.DeepEqual(keys, []string{"order_id", "item_id"}) {
		t.Errorf("PrimaryKeys() = %v, want [order_id item_id]", keys)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO t_order (order_id, status) VALUES (?, ?)`, 1, nil)
	if err == nil || !db.Dialect().IsConstraintViolation(err) {
		t.Errorf("want a constraint violation, got %v", err)
	}
	if db.Dialect().IsConstraintViolation(errors.New("disk I/O error")) {
		t.Error("a plain error is not a constraint violation")
	}
}
