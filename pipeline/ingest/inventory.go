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
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// InventoryConfig describes one inventory range of a source table
type InventoryConfig struct {
	TaskID    string
	TableName string
	// Columns is the projection, empty reads every column
	Columns []string
	// PrimaryKey is the integer key the range is defined on, empty for an unsplit range
	PrimaryKey string
	Position   position.Position
	BatchSize  int
	FetchSize  int
	RetryTimes uint
}

// InventoryDumper scans a primary key range or a whole table in key order
type InventoryDumper struct {
	db       database.IDatabase
	cfg      *InventoryConfig
	stopping *atomic.Bool
}

func NewInventoryDumper(db database.IDatabase, cfg *InventoryConfig) *InventoryDumper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constant.DefaultPipelineBatchSize
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = constant.DefaultPipelineFetchSize
	}
	if cfg.RetryTimes == 0 {
		cfg.RetryTimes = constant.DefaultPipelineRetryTimes
	}
	return &InventoryDumper{db: db, cfg: cfg, stopping: atomic.NewBool(false)}
}

func (d *InventoryDumper) Stop() {
	d.stopping.Store(true)
}

func (d *InventoryDumper) Dump(ctx context.Context, producer channel.Producer) error {
	startTime := time.Now()
	if position.IsFinished(d.cfg.Position) {
		return producer.PushBatch(ctx, []record.Record{&record.FinishedRecord{Pos: position.Finished{}}})
	}

	metas, err := d.db.GetTableColumns(ctx, d.cfg.TableName)
	if err != nil {
		return err
	}
	columns, err := d.projectColumns(metas)
	if err != nil {
		return err
	}

	w := &batchWriter{producer: producer, size: d.cfg.BatchSize}
	var rows int64
	switch pos := d.cfg.Position.(type) {
	case position.PrimaryKey:
		if d.cfg.PrimaryKey == "" {
			return fmt.Errorf("the inventory task [%s] table [%s] range position [%s] requires a primary key", d.cfg.TaskID, d.cfg.TableName, pos.String())
		}
		rows, err = d.dumpRange(ctx, w, columns, pos)
	default:
		rows, err = d.dumpUnsplit(ctx, w, columns, database.PrimaryKeys(metas))
	}
	if err != nil {
		return err
	}
	if d.stopping.Load() {
		// a stopped task leaves its range unfinished, the acked position is resumable
		if err = w.flush(ctx); err != nil {
			return err
		}
		logger.Info("inventory dumper stopped",
			zap.String("task_id", d.cfg.TaskID),
			zap.String("table", d.cfg.TableName),
			zap.Int64("rows", rows))
		return nil
	}
	if err = w.finish(ctx); err != nil {
		return err
	}
	logger.Info("inventory dumper finished",
		zap.String("task_id", d.cfg.TaskID),
		zap.String("table", d.cfg.TableName),
		zap.Int64("rows", rows),
		zap.String("cost", time.Since(startTime).String()))
	return nil
}

type inventoryColumn struct {
	name string
	key  bool
}

func (d *InventoryDumper) projectColumns(metas []*database.TableColumn) ([]inventoryColumn, error) {
	var columns []inventoryColumn
	if len(d.cfg.Columns) == 0 {
		for _, m := range metas {
			columns = append(columns, inventoryColumn{name: m.Name, key: m.PrimaryKeyOrdinal > 0})
		}
		return columns, nil
	}
	metaMap := make(map[string]*database.TableColumn, len(metas))
	for _, m := range metas {
		metaMap[m.Name] = m
	}
	for _, c := range d.cfg.Columns {
		m, ok := metaMap[c]
		if !ok {
			return nil, fmt.Errorf("the inventory task [%s] table [%s] column [%s] is not exist", d.cfg.TaskID, d.cfg.TableName, c)
		}
		columns = append(columns, inventoryColumn{name: m.Name, key: m.PrimaryKeyOrdinal > 0})
	}
	if d.cfg.PrimaryKey != "" && !stringutil.IsContainedString(d.cfg.Columns, d.cfg.PrimaryKey) {
		return nil, fmt.Errorf("the inventory task [%s] table [%s] projection must contain the primary key [%s]", d.cfg.TaskID, d.cfg.TableName, d.cfg.PrimaryKey)
	}
	return columns, nil
}

func columnNames(columns []inventoryColumn) []string {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.name)
	}
	return names
}

// dumpRange pages through [Begin, End] by keyset so the table is never buffered client side
func (d *InventoryDumper) dumpRange(ctx context.Context, w *batchWriter, columns []inventoryColumn, pos position.PrimaryKey) (int64, error) {
	pkIndex := -1
	for i, c := range columns {
		if c.name == d.cfg.PrimaryKey {
			pkIndex = i
		}
	}
	if pkIndex < 0 {
		return 0, fmt.Errorf("the inventory task [%s] table [%s] primary key [%s] is not exist", d.cfg.TaskID, d.cfg.TableName, d.cfg.PrimaryKey)
	}
	querySQL := database.BuildRangeQuerySQL(d.db.Dialect(), d.cfg.TableName, columnNames(columns), d.cfg.PrimaryKey, d.cfg.FetchSize)

	var total int64
	for !pos.Empty() && !d.stopping.Load() {
		var page []*record.DataRecord
		err := retry.Do(func() error {
			var err error
			page, err = d.queryPage(ctx, querySQL, columns, pos.End, pos.Begin, pos.End)
			return err
		},
			retry.Context(ctx),
			retry.Attempts(d.cfg.RetryTimes),
			retry.Delay(constant.DefaultPipelineRetryInitialDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn("inventory dumper query retrying",
					zap.String("task_id", d.cfg.TaskID),
					zap.String("table", d.cfg.TableName),
					zap.String("position", pos.String()),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}))
		if err != nil {
			return total, fmt.Errorf("the inventory task [%s] table [%s] query range [%s] failed: %v", d.cfg.TaskID, d.cfg.TableName, pos.String(), err)
		}
		for _, r := range page {
			if err = w.add(ctx, r); err != nil {
				return total, err
			}
		}
		total += int64(len(page))
		if len(page) < d.cfg.FetchSize {
			break
		}
		last, err := record.ToInt64(page[len(page)-1].After[pkIndex].Value)
		if err != nil {
			return total, err
		}
		pos = pos.Next(last)
	}
	return total, nil
}

func (d *InventoryDumper) queryPage(ctx context.Context, querySQL string, columns []inventoryColumn, end int64, args ...any) ([]*record.DataRecord, error) {
	rows, err := d.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []*record.DataRecord
	err = scanRows(rows, columns, func(after []record.Column) error {
		var pk int64
		for _, c := range after {
			if c.Name == d.cfg.PrimaryKey {
				v, err := record.ToInt64(c.Value)
				if err != nil {
					return err
				}
				pk = v
			}
		}
		page = append(page, &record.DataRecord{
			Type:      constant.DMLInsertType,
			TableName: d.cfg.TableName,
			After:     after,
			Pos:       position.PrimaryKey{Begin: pk, End: end},
		})
		return nil
	})
	return page, err
}

// dumpUnsplit streams one ordered query over the whole table
func (d *InventoryDumper) dumpUnsplit(ctx context.Context, w *batchWriter, columns []inventoryColumn, keys []*database.TableColumn) (int64, error) {
	querySQL := database.BuildOrderedQuerySQL(d.db.Dialect(), d.cfg.TableName, columnNames(columns), database.ColumnNames(keys))
	rows, err := d.db.QueryContext(ctx, querySQL)
	if err != nil {
		return 0, fmt.Errorf("the inventory task [%s] table [%s] query failed: %v", d.cfg.TaskID, d.cfg.TableName, err)
	}
	defer rows.Close()

	var total int64
	err = scanRows(rows, columns, func(after []record.Column) error {
		if d.stopping.Load() {
			return errStopped
		}
		total++
		return w.add(ctx, &record.DataRecord{
			Type:      constant.DMLInsertType,
			TableName: d.cfg.TableName,
			After:     after,
			Pos:       position.Unsplit{},
		})
	})
	if errors.Is(err, errStopped) {
		return total, nil
	}
	if err != nil {
		return total, fmt.Errorf("the inventory task [%s] table [%s] scan failed: %v", d.cfg.TaskID, d.cfg.TableName, err)
	}
	return total, nil
}

var errStopped = errors.New("inventory dumper stopped")

func scanRows(rows *sql.Rows, columns []inventoryColumn, fn func(after []record.Column) error) error {
	values := make([]any, len(columns))
	scans := make([]any, len(columns))
	for i := range values {
		scans[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scans...); err != nil {
			return err
		}
		after := make([]record.Column, 0, len(columns))
		for i, c := range columns {
			after = append(after, record.Column{Name: c.name, Value: record.NormalizeValue(values[i]), Key: c.key})
		}
		if err := fn(after); err != nil {
			return err
		}
	}
	return rows.Err()
}

// batchWriter groups records into BatchSize pushes independent of the fetch size
type batchWriter struct {
	producer channel.Producer
	size     int
	buf      []record.Record
}

func (w *batchWriter) add(ctx context.Context, r record.Record) error {
	w.buf = append(w.buf, r)
	if len(w.buf) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *batchWriter) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.producer.PushBatch(ctx, w.buf)
	w.buf = nil
	return err
}

func (w *batchWriter) finish(ctx context.Context) error {
	w.buf = append(w.buf, &record.FinishedRecord{Pos: position.Finished{}})
	return w.flush(ctx)
}
