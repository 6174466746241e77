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
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
)

// ErrConstraintViolation is fatal to the task, replaying the batch cannot succeed
var ErrConstraintViolation = errors.New("the target table constraint is violated")

// ErrNoUniqueKey is returned for a row without key columns, its insert could
// not be replayed without duplicating the row
var ErrNoUniqueKey = errors.New("the table has no primary key")

// ImporterConfig describes how records are written to the target
type ImporterConfig struct {
	TaskID string
	// TableNames maps the source table of a record to its target table,
	// a table missing from the map keeps its name
	TableNames  map[string]string
	BatchSize   int
	RetryTimes  uint
	PullTimeout time.Duration
}

func (c *ImporterConfig) targetTable(sourceTable string) string {
	if t, ok := c.TableNames[sourceTable]; ok && t != "" {
		return t
	}
	return sourceTable
}

// Importer pulls batches from a channel lane and applies them to the target,
// one transaction per batch
type Importer struct {
	db       database.IDatabase
	consumer channel.Consumer
	cfg      *ImporterConfig

	processed *atomic.Int64
	missed    *atomic.Int64
}

func NewImporter(db database.IDatabase, consumer channel.Consumer, cfg *ImporterConfig) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constant.DefaultPipelineBatchSize
	}
	if cfg.RetryTimes == 0 {
		cfg.RetryTimes = constant.DefaultPipelineRetryTimes
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = constant.DefaultPipelinePullTimeout
	}
	return &Importer{
		db:        db,
		consumer:  consumer,
		cfg:       cfg,
		processed: atomic.NewInt64(0),
		missed:    atomic.NewInt64(0),
	}
}

// ProcessedRecordCount is the number of applied data records
func (i *Importer) ProcessedRecordCount() int64 {
	return i.processed.Load()
}

// MissedCount is the number of updates and deletes that matched no target row
func (i *Importer) MissedCount() int64 {
	return i.missed.Load()
}

// Import runs until a finished record is written, the channel is closed or the context is done
func (i *Importer) Import(ctx context.Context) error {
	startTime := time.Now()
	logger.Info("importer starting", zap.String("task_id", i.cfg.TaskID))
	for {
		batch, err := i.consumer.PullBatch(ctx, i.cfg.BatchSize, i.cfg.PullTimeout)
		if errors.Is(err, channel.ErrClosed) {
			logger.Info("importer channel closed",
				zap.String("task_id", i.cfg.TaskID),
				zap.Int64("processed", i.processed.Load()))
			return nil
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			continue
		}
		if err = i.Write(ctx, batch); err != nil {
			return err
		}
		i.consumer.Ack(batch)
		if record.IsFinished(batch[len(batch)-1]) {
			logger.Info("importer finished",
				zap.String("task_id", i.cfg.TaskID),
				zap.Int64("processed", i.processed.Load()),
				zap.Int64("missed", i.missed.Load()),
				zap.String("cost", time.Since(startTime).String()))
			return nil
		}
	}
}

// Write applies the data records of a batch in one transaction, retrying
// transient failures. Replaying an already applied batch leaves the target unchanged.
func (i *Importer) Write(ctx context.Context, batch []record.Record) error {
	var data []*record.DataRecord
	for _, r := range batch {
		if d, ok := r.(*record.DataRecord); ok {
			data = append(data, d)
		}
	}
	if len(data) == 0 {
		return nil
	}

	return retry.Do(func() error {
		missed, err := i.apply(ctx, data)
		if err != nil {
			if i.db.Dialect().IsConstraintViolation(err) {
				return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrConstraintViolation, err))
			}
			return err
		}
		i.processed.Add(int64(len(data)))
		i.missed.Add(missed)
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(i.cfg.RetryTimes),
		retry.Delay(constant.DefaultPipelineRetryInitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("importer batch write retrying",
				zap.String("task_id", i.cfg.TaskID),
				zap.Int("records", len(data)),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))
}

func (i *Importer) apply(ctx context.Context, data []*record.DataRecord) (int64, error) {
	txn, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("the task [%s] begin target transaction failed: %w", i.cfg.TaskID, err)
	}
	var missed int64
	for _, r := range data {
		if err = r.Validate(); err != nil {
			_ = txn.Rollback()
			return 0, retry.Unrecoverable(err)
		}
		affected, err := i.execute(ctx, txn, r)
		if err != nil {
			_ = txn.Rollback()
			return 0, err
		}
		if affected == 0 && r.Type != constant.DMLInsertType {
			missed++
			logger.Debug("importer record matched no target row",
				zap.String("task_id", i.cfg.TaskID),
				zap.String("record", r.String()))
		}
	}
	if err = txn.Commit(); err != nil {
		return 0, fmt.Errorf("the task [%s] commit target transaction failed: %w", i.cfg.TaskID, err)
	}
	return missed, nil
}

func (i *Importer) execute(ctx context.Context, txn *sql.Tx, r *record.DataRecord) (int64, error) {
	d := i.db.Dialect()
	table := i.cfg.targetTable(r.TableName)

	var (
		sqlStr string
		args   []any
	)
	switch r.Type {
	case constant.DMLInsertType:
		var cols, keys []string
		for _, c := range r.After {
			cols = append(cols, c.Name)
			args = append(args, c.Value)
			if c.Key {
				keys = append(keys, c.Name)
			}
		}
		if len(keys) == 0 {
			return 0, retry.Unrecoverable(fmt.Errorf("%w: the task [%s] target table [%s]", ErrNoUniqueKey, i.cfg.TaskID, table))
		}
		sqlStr = d.UpsertSQL(table, cols, keys)
	case constant.DMLUpdateType:
		var sets, wheres []string
		for _, c := range r.After {
			sets = append(sets, c.Name)
			args = append(args, c.Value)
		}
		for _, c := range r.KeyColumns() {
			wheres = append(wheres, c.Name)
			args = append(args, c.Value)
		}
		sqlStr = database.BuildUpdateSQL(d, table, sets, wheres)
	case constant.DMLDeleteType:
		var wheres []string
		for _, c := range r.KeyColumns() {
			wheres = append(wheres, c.Name)
			args = append(args, c.Value)
		}
		sqlStr = database.BuildDeleteSQL(d, table, wheres)
	}

	res, err := txn.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("the task [%s] target sql [%s] execute failed: %w", i.cfg.TaskID, sqlStr, err)
	}
	return res.RowsAffected()
}
