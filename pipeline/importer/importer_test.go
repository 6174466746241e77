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
package importer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/database/sqlite"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
)

func newTarget(t *testing.T, name string) database.IDatabase {
	t.Helper()
	db, err := sqlite.NewMemoryDatabase(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err = db.ExecContext(context.Background(),
		`CREATE TABLE t_order_0 (order_id INTEGER PRIMARY KEY, user_id INTEGER, status VARCHAR(45) NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	return db
}

func orderColumns(orderID int64, userID any, status any) []record.Column {
	return []record.Column{
		{Name: "order_id", Value: orderID, Key: true},
		{Name: "user_id", Value: userID},
		{Name: "status", Value: status},
	}
}

func insert(orderID int64, status string) *record.DataRecord {
	return &record.DataRecord{
		Type:      constant.DMLInsertType,
		TableName: "t_order",
		After:     orderColumns(orderID, orderID*10, status),
		Pos:       position.PrimaryKey{Begin: orderID, End: 99},
	}
}

func dump(t *testing.T, db database.IDatabase) map[int64]string {
	t.Helper()
	_, res, err := db.GeneralQuery(context.Background(), `SELECT order_id, status FROM t_order_0 ORDER BY order_id`)
	if err != nil {
		t.Fatal(err)
	}
	rows := make(map[int64]string)
	for _, r := range res {
		id, err := record.ToInt64(r["order_id"])
		if err != nil {
			t.Fatal(err)
		}
		rows[id] = r["status"]
	}
	return rows
}

func TestImporterAppliesAndReplays(t *testing.T) {
	ctx := context.Background()
	db := newTarget(t, "importer_replay")

	var (
		mu    sync.Mutex
		acked []record.Record
	)
	ch := channel.NewMemoryChannel(16, func(recs []record.Record) {
		mu.Lock()
		acked = append(acked, recs...)
		mu.Unlock()
	})

	batch := []record.Record{
		insert(1, "ok"),
		insert(2, "ok"),
		&record.DataRecord{
			Type:      constant.DMLUpdateType,
			TableName: "t_order",
			Before:    orderColumns(1, int64(10), "ok"),
			After:     orderColumns(1, int64(10), "zzz"),
		},
		&record.DataRecord{
			Type:      constant.DMLDeleteType,
			TableName: "t_order",
			Before:    orderColumns(3, nil, "gone"),
		},
		&record.PlaceholderRecord{Pos: position.Placeholder{}},
	}
	if err := ch.PushBatch(ctx, append(batch, &record.FinishedRecord{Pos: position.Finished{}})); err != nil {
		t.Fatal(err)
	}

	imp := NewImporter(db, ch, &ImporterConfig{TaskID: "t_order_0", TableNames: map[string]string{"t_order": "t_order_0"}})
	if err := imp.Import(ctx); err != nil {
		t.Fatal(err)
	}
	want := map[int64]string{1: "zzz", 2: "ok"}
	if got := dump(t, db); !reflect.DeepEqual(got, want) {
		t.Fatalf("target rows = %v, want %v", got, want)
	}
	if imp.ProcessedRecordCount() != 4 || imp.MissedCount() != 1 {
		t.Errorf("processed = %d missed = %d, want 4 and 1", imp.ProcessedRecordCount(), imp.MissedCount())
	}
	mu.Lock()
	if len(acked) != len(batch)+1 {
		t.Errorf("acked %d records, want %d", len(acked), len(batch)+1)
	}
	mu.Unlock()

	// the update is replayed after the insert of its row was applied again
	if err := imp.Write(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if got := dump(t, db); !reflect.DeepEqual(got, want) {
		t.Errorf("target rows after replay = %v, want %v", got, want)
	}
}

func TestImporterConstraintViolation(t *testing.T) {
	ctx := context.Background()
	db := newTarget(t, "importer_constraint")
	imp := NewImporter(db, channel.NewMemoryChannel(1, nil), &ImporterConfig{TaskID: "t_order_0", TableNames: map[string]string{"t_order": "t_order_0"}})

	bad := &record.DataRecord{
		Type:      constant.DMLInsertType,
		TableName: "t_order",
		After:     orderColumns(7, int64(70), nil),
	}
	err := imp.Write(ctx, []record.Record{insert(6, "ok"), bad})
	if !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("Write() error = %v, want ErrConstraintViolation", err)
	}
	// the batch transaction is rolled back as a whole
	if got := dump(t, db); len(got) != 0 {
		t.Errorf("target rows = %v, want none", got)
	}
}

func TestImporterRefusesKeylessInsert(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.NewMemoryDatabase(ctx, "importer_keyless")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err = db.ExecContext(ctx, `CREATE TABLE t_log (msg VARCHAR(45), lvl INTEGER)`); err != nil {
		t.Fatal(err)
	}
	imp := NewImporter(db, channel.NewMemoryChannel(1, nil), &ImporterConfig{TaskID: "t_log"})

	row := &record.DataRecord{
		Type:      constant.DMLInsertType,
		TableName: "t_log",
		After:     []record.Column{{Name: "msg", Value: "started"}, {Name: "lvl", Value: int64(1)}},
	}
	// a replayed batch must not add the row twice, so the insert is refused
	for i := 0; i < 2; i++ {
		if err = imp.Write(ctx, []record.Record{row}); !errors.Is(err, ErrNoUniqueKey) {
			t.Fatalf("Write() error = %v, want ErrNoUniqueKey", err)
		}
	}
	_, res, err := db.GeneralQuery(ctx, `SELECT COUNT(*) AS c FROM t_log`)
	if err != nil {
		t.Fatal(err)
	}
	if res[0]["c"] != "0" {
		t.Errorf("t_log rows = %s, want 0", res[0]["c"])
	}
}
