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
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/atomic"

	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
)

// pgoutput protocol version 1 message builders

type relColumn struct {
	name string
	key  bool
	oid  uint32
}

func cstring(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

func relationMsg(id uint32, name string, columns ...relColumn) []byte {
	b := binary.BigEndian.AppendUint32([]byte{'R'}, id)
	b = cstring(cstring(b, "public"), name)
	b = append(b, 'd')
	b = binary.BigEndian.AppendUint16(b, uint16(len(columns)))
	for _, c := range columns {
		var flags byte
		if c.key {
			flags = 1
		}
		b = cstring(append(b, flags), c.name)
		b = binary.BigEndian.AppendUint32(b, c.oid)
		b = binary.BigEndian.AppendUint32(b, 0xFFFFFFFF)
	}
	return b
}

// tuple encodes the values as text, a nil value is a null column
func tuple(b []byte, values ...*string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			b = append(b, 'n')
			continue
		}
		b = binary.BigEndian.AppendUint32(append(b, 't'), uint32(len(*v)))
		b = append(b, *v...)
	}
	return b
}

func text(s string) *string { return &s }

func insertMsg(id uint32, values ...*string) []byte {
	return tuple(append(binary.BigEndian.AppendUint32([]byte{'I'}, id), 'N'), values...)
}

func updateMsg(id uint32, oldKind byte, old []*string, values ...*string) []byte {
	b := binary.BigEndian.AppendUint32([]byte{'U'}, id)
	if old != nil {
		b = tuple(append(b, oldKind), old...)
	}
	return tuple(append(b, 'N'), values...)
}

func deleteMsg(id uint32, oldKind byte, old ...*string) []byte {
	return tuple(append(binary.BigEndian.AppendUint32([]byte{'D'}, id), oldKind), old...)
}

func beginMsg(finalLSN uint64, xid uint32) []byte {
	b := binary.BigEndian.AppendUint64([]byte{'B'}, finalLSN)
	b = binary.BigEndian.AppendUint64(b, 0)
	return binary.BigEndian.AppendUint32(b, xid)
}

func commitMsg(commitLSN, endLSN uint64) []byte {
	b := binary.BigEndian.AppendUint64([]byte{'C', 0}, commitLSN)
	b = binary.BigEndian.AppendUint64(b, endLSN)
	return binary.BigEndian.AppendUint64(b, 0)
}

func newTestDumper(t *testing.T, start WalPosition) *WalDumper {
	t.Helper()
	f, err := filter.Parse([]string{"t_order"})
	if err != nil {
		t.Fatal(err)
	}
	return &WalDumper{
		cfg:      &ingest.IncrementalConfig{JobID: "j01c0ffee"},
		filter:   f,
		decoder:  newDecoder(),
		current:  start,
		acked:    atomic.NewUint64(0),
		stopping: atomic.NewBool(false),
	}
}

func imageString(cols []record.Column) string {
	s := ""
	for _, c := range cols {
		s += fmt.Sprintf("%s=%v(key=%t,updated=%t) ", c.Name, c.Value, c.Key, c.Updated)
	}
	return s
}

func TestWalDumperConvert(t *testing.T) {
	start := WalPosition{LSN: 0x16B3748}
	w := newTestDumper(t, start)
	order := relationMsg(16384, "t_order",
		relColumn{name: "order_id", key: true, oid: pgtype.Int8OID},
		relColumn{name: "status", oid: pgtype.TextOID})
	log := relationMsg(16390, "t_log", relColumn{name: "msg", oid: pgtype.TextOID})

	steps := []struct {
		name   string
		data   []byte
		want   string
		typ    string
		before string
		after  string
	}{
		{name: "relation", data: order},
		{name: "other relation", data: log},
		{name: "begin", data: beginMsg(0x16B3790, 731)},
		{
			name: "insert", data: insertMsg(16384, text("1"), text("ok")),
			want: "data", typ: constant.DMLInsertType,
			after: "order_id=1(key=true,updated=false) status=ok(key=false,updated=false) ",
		},
		{
			name: "update moving the key", data: updateMsg(16384, 'K', []*string{text("1"), nil}, text("2"), text("paid")),
			want: "data", typ: constant.DMLUpdateType,
			before: "order_id=1(key=true,updated=false) ",
			after:  "order_id=2(key=true,updated=true) status=paid(key=false,updated=true) ",
		},
		{
			name: "update keeping the key", data: updateMsg(16384, 0, nil, text("2"), text("shipped")),
			want: "data", typ: constant.DMLUpdateType,
			before: "order_id=2(key=true,updated=false) ",
			after:  "order_id=2(key=true,updated=false) status=shipped(key=false,updated=true) ",
		},
		{
			name: "delete", data: deleteMsg(16384, 'K', text("2"), nil),
			want: "data", typ: constant.DMLDeleteType,
			before: "order_id=2(key=true,updated=false) ",
		},
		{name: "filtered table", data: insertMsg(16390, text("hello")), want: "placeholder"},
		{name: "commit", data: commitMsg(0x16B3790, 0x16B3800), want: "commit"},
	}
	for _, step := range steps {
		decoded, err := w.decoder.decode(step.data)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		recs, err := w.convert(decoded)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		switch step.want {
		case "":
			if len(recs) != 0 {
				t.Errorf("%s emitted %v", step.name, recs)
			}
		case "placeholder", "commit":
			if len(recs) != 1 {
				t.Fatalf("%s emitted %d records", step.name, len(recs))
			}
			if _, ok := recs[0].(*record.PlaceholderRecord); !ok {
				t.Fatalf("%s: want a placeholder, got %T", step.name, recs[0])
			}
			want := start
			if step.want == "commit" {
				want = WalPosition{LSN: 0x16B3800}
			}
			if recs[0].Position() != want {
				t.Errorf("%s position = %v, want %v", step.name, recs[0].Position(), want)
			}
		case "data":
			if len(recs) != 1 {
				t.Fatalf("%s emitted %d records", step.name, len(recs))
			}
			r, ok := recs[0].(*record.DataRecord)
			if !ok {
				t.Fatalf("%s: want a data record, got %T", step.name, recs[0])
			}
			if r.Type != step.typ || r.TableName != "t_order" || r.Pos != start {
				t.Errorf("%s record = %s %s %v", step.name, r.Type, r.TableName, r.Pos)
			}
			if got := imageString(r.Before); got != step.before {
				t.Errorf("%s before = %q, want %q", step.name, got, step.before)
			}
			if got := imageString(r.After); got != step.after {
				t.Errorf("%s after = %q, want %q", step.name, got, step.after)
			}
		}
	}
	if w.current != (WalPosition{LSN: 0x16B3800}) {
		t.Errorf("current = %v after the commit", w.current)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "relation not announced", data: insertMsg(99, text("1"))},
		{name: "truncated", data: []byte{'B', 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newDecoder().decode(tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}

	d := newDecoder()
	if _, err := d.decode(relationMsg(16384, "t_order", relColumn{name: "order_id", key: true, oid: pgtype.Int8OID})); err != nil {
		t.Fatal(err)
	}
	decoded, err := d.decode(insertMsg(16384, text("x")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = convertRow(decoded.(*rowMessage), time.Now(), WalPosition{}); err == nil {
		t.Error("a non integer value of an int8 column expected an error")
	}
}

func TestWalPosition(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{a: "0/16B3748", b: "0/16B3800", want: -1},
		{a: "1/0", b: "0/FFFFFFFF", want: 1},
		{a: "16/B374D848", b: "16/B374D848", want: 0},
	}
	for _, tt := range tests {
		a, err := ParseWalPosition(tt.a)
		if err != nil {
			t.Fatal(err)
		}
		b, err := ParseWalPosition(tt.b)
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
	if (WalPosition{LSN: 1}).Compare(position.Placeholder{}) != 1 {
		t.Error("a wal position is after the placeholder")
	}
	if _, err := ParseWalPosition("16B3748"); err == nil {
		t.Error("ParseWalPosition expected an error without the separator")
	}
}

func TestAckPosition(t *testing.T) {
	w := newTestDumper(t, WalPosition{})
	w.AckPosition(WalPosition{LSN: 0x200})
	w.AckPosition(WalPosition{LSN: 0x100})
	w.AckPosition(position.Placeholder{})
	if pglogrepl.LSN(w.acked.Load()) != 0x200 {
		t.Errorf("acked = %v, want 0/200", pglogrepl.LSN(w.acked.Load()))
	}
}

func TestStartReplicationError(t *testing.T) {
	removed := &pgconn.PgError{Code: "58P01", Message: "requested WAL segment 000000010000000000000001 has already been removed"}
	if err := startReplicationError(removed); !errors.Is(err, ingest.ErrSourceUnavailable) {
		t.Errorf("a removed wal segment is unavailable history, got %v", err)
	}
	if err := startReplicationError(&pgconn.PgError{Code: "42704", Message: "replication slot does not exist"}); errors.Is(err, ingest.ErrSourceUnavailable) {
		t.Errorf("unexpected unavailable history %v", err)
	}
}
