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
	"testing"

	"github.com/avast/retry-go/v4"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	perrors "github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
)

var orderColumns = []*database.TableColumn{
	{Name: "order_id", DataType: "BIGINT", PrimaryKeyOrdinal: 1},
	{Name: "status", DataType: "VARCHAR"},
}

// newTestDumper returns a dumper of schema scaling whose metadata connection is closed
func newTestDumper(t *testing.T) *BinlogDumper {
	t.Helper()
	f, err := filter.Parse([]string{"t_order"})
	if err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("mysql", "root@tcp(127.0.0.1:3306)/scaling")
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	start := BinlogPosition{FileName: "mysql-bin.000001", Pos: 120}
	return &BinlogDumper{
		db:       &Database{Conn: database.NewConn(db, Dialect{}), Schema: "scaling"},
		cfg:      &ingest.IncrementalConfig{JobID: "j01c0ffee"},
		filter:   f,
		columns:  map[string][]*database.TableColumn{"t_order": orderColumns},
		file:     start.FileName,
		current:  start,
		stopping: atomic.NewBool(false),
	}
}

func rowsEvent(eventType replication.EventType, schema, table string, rows ...[]interface{}) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, Timestamp: 1700000000, ServerID: 1, LogPos: 360},
		Event: &replication.RowsEvent{
			Table: &replication.TableMapEvent{Schema: []byte(schema), Table: []byte(table)},
			Rows:  rows,
		},
	}
}

func imageString(cols []record.Column) string {
	s := ""
	for _, c := range cols {
		s += fmt.Sprintf("%s=%s(key=%t,updated=%t) ", c.Name, record.FormatValue(c.Value), c.Key, c.Updated)
	}
	return s
}

func TestConvertRows(t *testing.T) {
	tests := []struct {
		name        string
		ev          *replication.BinlogEvent
		placeholder bool
		typ         string
		before      string
		after       string
	}{
		{
			name:  "insert",
			ev:    rowsEvent(replication.WRITE_ROWS_EVENTv2, "scaling", "t_order", []interface{}{int64(1), "ok"}),
			typ:   constant.DMLInsertType,
			after: "order_id=1(key=true,updated=false) status=ok(key=false,updated=false) ",
		},
		{
			name:   "update",
			ev:     rowsEvent(replication.UPDATE_ROWS_EVENTv2, "scaling", "t_order", []interface{}{int64(1), "ok"}, []interface{}{int64(1), "paid"}),
			typ:    constant.DMLUpdateType,
			before: "order_id=1(key=true,updated=false) status=ok(key=false,updated=false) ",
			after:  "order_id=1(key=true,updated=false) status=paid(key=false,updated=true) ",
		},
		{
			name:   "delete",
			ev:     rowsEvent(replication.DELETE_ROWS_EVENTv1, "scaling", "t_order", []interface{}{int64(1), "paid"}),
			typ:    constant.DMLDeleteType,
			before: "order_id=1(key=true,updated=false) status=paid(key=false,updated=false) ",
		},
		{
			name:        "filtered table",
			ev:          rowsEvent(replication.WRITE_ROWS_EVENTv2, "scaling", "t_order_item", []interface{}{int64(1), int64(2)}),
			placeholder: true,
		},
		{
			name:        "other schema",
			ev:          rowsEvent(replication.WRITE_ROWS_EVENTv2, "archive", "t_order", []interface{}{int64(1), "ok"}),
			placeholder: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestDumper(t)
			recs, err := b.convertEvent(context.Background(), tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if recs[0].Position().Compare(b.current) != 0 {
				t.Errorf("record position = %v, want %v", recs[0].Position(), b.current)
			}
			if tt.placeholder {
				if _, ok := recs[0].(*record.PlaceholderRecord); !ok {
					t.Fatalf("want a placeholder, got %T", recs[0])
				}
				return
			}
			r, ok := recs[0].(*record.DataRecord)
			if !ok {
				t.Fatalf("want a data record, got %T", recs[0])
			}
			if r.Type != tt.typ || r.TableName != "t_order" {
				t.Errorf("record = %s %s, want %s t_order", r.Type, r.TableName, tt.typ)
			}
			if got := imageString(r.Before); got != tt.before {
				t.Errorf("before = %q, want %q", got, tt.before)
			}
			if got := imageString(r.After); got != tt.after {
				t.Errorf("after = %q, want %q", got, tt.after)
			}
		})
	}
}

func TestConvertEventPositions(t *testing.T) {
	b := newTestDumper(t)
	rotate := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.ROTATE_EVENT, ServerID: 1},
		Event:  &replication.RotateEvent{Position: 4, NextLogName: []byte("mysql-bin.000002")},
	}
	if recs, err := b.convertEvent(context.Background(), rotate); err != nil || len(recs) != 0 {
		t.Fatalf("rotate emitted %v, %v", recs, err)
	}
	xid := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.XID_EVENT, ServerID: 1, LogPos: 980},
		Event:  &replication.XIDEvent{XID: 7},
	}
	recs, err := b.convertEvent(context.Background(), xid)
	if err != nil {
		t.Fatal(err)
	}
	want := BinlogPosition{ServerID: 1, FileName: "mysql-bin.000002", Pos: 980}
	if len(recs) != 1 || recs[0].Position() != want {
		t.Fatalf("commit emitted %v, want a placeholder at %v", recs, want)
	}
}

func TestConvertErrors(t *testing.T) {
	tests := []struct {
		name        string
		ev          *replication.BinlogEvent
		recoverable bool
	}{
		{
			name: "update without after row",
			ev:   rowsEvent(replication.UPDATE_ROWS_EVENTv2, "scaling", "t_order", []interface{}{int64(1), "ok"}),
		},
		{
			name:        "metadata query failed",
			ev:          rowsEvent(replication.WRITE_ROWS_EVENTv2, "scaling", "t_order", []interface{}{int64(1), "ok", "added column"}),
			recoverable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestDumper(t).convertEvent(context.Background(), tt.ev)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := retry.IsRecoverable(convertError(err)); got != tt.recoverable {
				t.Errorf("recoverable = %t, want %t: %v", got, tt.recoverable, err)
			}
		})
	}
}

func TestReadError(t *testing.T) {
	purged := &gomysql.MyError{Code: errCodeBinlogPurged, Message: "Could not find first log file name in binary log index file"}
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "purged", err: purged, unavailable: true},
		{name: "purged traced", err: perrors.Trace(purged), unavailable: true},
		{name: "purged wrapped", err: fmt.Errorf("read event: %w", purged), unavailable: true},
		{name: "other server error", err: &gomysql.MyError{Code: 1045, Message: "Access denied"}},
		{name: "connection reset", err: errors.New("connection reset by peer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(readError(tt.err), ingest.ErrSourceUnavailable); got != tt.unavailable {
				t.Errorf("unavailable = %t, want %t", got, tt.unavailable)
			}
		})
	}
}

func TestBinlogPosition(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{a: "mysql-bin.000002:4", b: "mysql-bin.000010:4", want: -1},
		{a: "mysql-bin.000010:120", b: "mysql-bin.000010:4", want: 1},
		{a: "mysql-bin.000003:98", b: "mysql-bin.000003:98", want: 0},
		{a: "mysql-bin.999999:4", b: "mysql-bin.1000000:4", want: -1},
	}
	for _, tt := range tests {
		a, err := ParseBinlogPosition(tt.a)
		if err != nil {
			t.Fatal(err)
		}
		b, err := ParseBinlogPosition(tt.b)
		if err != nil {
			t.Fatal(err)
		}
		if got := a.Compare(b); got != tt.want {
			t.Errorf("%s compare %s = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if a.String() != tt.a {
			t.Errorf("String() = %s, want %s", a.String(), tt.a)
		}
	}
	if (BinlogPosition{FileName: "mysql-bin.000001", Pos: 4}).Compare(position.Placeholder{}) != 1 {
		t.Error("a binlog position is after the placeholder")
	}
	for _, invalid := range []string{"mysql-bin.000001", "mysql-bin:4", "mysql-bin.x:4", "mysql-bin.000001:-1"} {
		if _, err := ParseBinlogPosition(invalid); err == nil {
			t.Errorf("ParseBinlogPosition(%s) expected an error", invalid)
		}
	}
}
