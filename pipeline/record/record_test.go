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
package record

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

func TestDataRecordValidate(t *testing.T) {
	col := []Column{{Name: "order_id", Value: int64(1), Key: true}}
	tests := []struct {
		name    string
		r       *DataRecord
		wantErr bool
	}{
		{"insert", &DataRecord{Type: constant.DMLInsertType, After: col}, false},
		{"insert with before", &DataRecord{Type: constant.DMLInsertType, Before: col, After: col}, true},
		{"delete", &DataRecord{Type: constant.DMLDeleteType, Before: col}, false},
		{"delete without before", &DataRecord{Type: constant.DMLDeleteType}, true},
		{"update", &DataRecord{Type: constant.DMLUpdateType, Before: col, After: col}, false},
		{"update without after", &DataRecord{Type: constant.DMLUpdateType, Before: col}, true},
		{"unknown", &DataRecord{Type: "TRUNCATE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoutingKey(t *testing.T) {
	update := &DataRecord{
		Type:      constant.DMLUpdateType,
		TableName: "t_order",
		Before:    []Column{{Name: "order_id", Value: int64(1), Key: true}, {Name: "status", Value: "ok"}},
		After:     []Column{{Name: "order_id", Value: int64(1), Key: true}, {Name: "status", Value: "zzz", Updated: true}},
	}
	insert := &DataRecord{
		Type:      constant.DMLInsertType,
		TableName: "t_order",
		After:     []Column{{Name: "order_id", Value: int64(1), Key: true}, {Name: "status", Value: "ok"}},
	}
	if update.RoutingKey() != insert.RoutingKey() {
		t.Fatalf("records of the same row must share a routing key, got %s and %s", update.RoutingKey(), insert.RoutingKey())
	}
	if update.RoutingKey() != "t_order,1" {
		t.Fatalf("unexpected routing key %s", update.RoutingKey())
	}

	noKey := &DataRecord{Type: constant.DMLDeleteType, TableName: "t", Before: []Column{{Name: "a", Value: "x"}, {Name: "b", Value: 2}}}
	if len(noKey.KeyColumns()) != 2 {
		t.Fatalf("a table without key columns is located by every column")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"bytes", []byte("abc"), "abc"},
		{"decimal text", []byte("1.50"), "1.5"},
		{"decimal", decimal.RequireFromString("10.00"), "10"},
		{"int", int64(7), "7"},
		{"float", 2.5, "2.5"},
		{"bool", true, "1"},
		{"text with digits", "2024-01-01", "2024-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastPosition(t *testing.T) {
	if LastPosition(nil) != nil {
		t.Fatal("empty batch has no position")
	}
	recs := []Record{
		&PlaceholderRecord{Pos: position.PrimaryKey{Begin: 1, End: 9}},
		&FinishedRecord{Pos: position.Finished{}},
	}
	if LastPosition(recs) != (position.Finished{}) {
		t.Fatalf("unexpected last position %v", LastPosition(recs))
	}
	if !IsFinished(recs[1]) || IsFinished(recs[0]) {
		t.Fatal("IsFinished mismatch")
	}
}

func TestKeyChanged(t *testing.T) {
	key := func(v int64) Column { return Column{Name: "order_id", Value: v, Key: true} }
	status := func(v string) Column { return Column{Name: "status", Value: v} }
	tests := []struct {
		name string
		r    *DataRecord
		want bool
	}{
		{"same key", &DataRecord{Type: constant.DMLUpdateType, Before: []Column{key(1), status("a")}, After: []Column{key(1), status("b")}}, false},
		{"key moved", &DataRecord{Type: constant.DMLUpdateType, Before: []Column{key(1)}, After: []Column{key(2)}}, true},
		{"no key column", &DataRecord{Type: constant.DMLUpdateType, Before: []Column{status("a")}, After: []Column{status("b")}}, false},
		{"insert", &DataRecord{Type: constant.DMLInsertType, After: []Column{key(2)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.KeyChanged(); got != tt.want {
				t.Errorf("KeyChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
