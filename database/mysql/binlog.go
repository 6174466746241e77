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
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	perrors "github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
)

// ER_MASTER_FATAL_ERROR_READING_BINLOG, raised when the requested binlog was purged
const errCodeBinlogPurged = 1236

// errQueryTableColumns wraps a failed table metadata query, the stream reconnects and retries it
var errQueryTableColumns = errors.New("query the table columns failed")

// CurrentPosition returns the binlog position the server is writing
func (d *Database) CurrentPosition(ctx context.Context, _ *ingest.IncrementalConfig) (position.Position, error) {
	_, res, err := d.GeneralQuery(ctx, "SHOW MASTER STATUS")
	if err != nil {
		// mysql 8.4 renamed the statement
		_, res, err = d.GeneralQuery(ctx, "SHOW BINARY LOG STATUS")
		if err != nil {
			return nil, err
		}
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("the datasource [%s] binlog is disabled", d.Desc.Name)
	}
	pos, err := strconv.ParseUint(res[0]["Position"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("the datasource [%s] binlog position [%s] is invalid: %v", d.Desc.Name, res[0]["Position"], err)
	}
	return BinlogPosition{FileName: res[0]["File"], Pos: uint32(pos)}, nil
}

// checkBinlogRetained fails with ErrSourceUnavailable once the binlog file was purged
func (d *Database) checkBinlogRetained(ctx context.Context, pos BinlogPosition) error {
	_, res, err := d.GeneralQuery(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return err
	}
	for _, r := range res {
		if r["Log_name"] == pos.FileName {
			return nil
		}
	}
	return fmt.Errorf("%w: the datasource [%s] binlog file [%s] is purged", ingest.ErrSourceUnavailable, d.Desc.Name, pos.FileName)
}

func (d *Database) NewIncrementalDumper(cfg *ingest.IncrementalConfig) (ingest.IncrementalDumper, error) {
	f, err := filter.Parse(cfg.Tables)
	if err != nil {
		return nil, err
	}
	serverID := uint32(1001 + crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", cfg.JobID, cfg.ShardingItem)))%100000)
	if v := cfg.DataSource.Prop("serverId", ""); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("the datasource [%s] prop serverId is invalid: %v", cfg.DataSource.Name, err)
		}
		serverID = uint32(id)
	}
	return &BinlogDumper{
		db:       d,
		cfg:      cfg,
		filter:   f,
		serverID: serverID,
		columns:  make(map[string][]*database.TableColumn),
		stopping: atomic.NewBool(false),
	}, nil
}

// BinlogDumper converts row based binlog events into records. Records of a
// transaction carry the position the transaction starts at and the commit
// emits a placeholder at the next transaction start, so a persisted position
// always resumes at a transaction boundary.
type BinlogDumper struct {
	db       *Database
	cfg      *ingest.IncrementalConfig
	filter   filter.Filter
	serverID uint32
	columns  map[string][]*database.TableColumn

	file    string
	current BinlogPosition

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping *atomic.Bool
}

func (b *BinlogDumper) Stop() {
	b.stopping.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *BinlogDumper) Dump(ctx context.Context, producer channel.Producer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.stopping.Load() {
		return nil
	}

	start, err := b.startPosition(ctx)
	if err != nil {
		return err
	}
	if err = b.db.checkBinlogRetained(ctx, start); err != nil {
		return err
	}
	b.current = start
	b.file = start.FileName
	logger.Info("binlog dumper starting",
		zap.String("job_id", b.cfg.JobID),
		zap.Int("sharding_item", b.cfg.ShardingItem),
		zap.Uint32("server_id", b.serverID),
		zap.String("position", start.String()))

	return retry.Do(func() error {
		err := b.stream(ctx, producer)
		if err != nil && errors.Is(err, ingest.ErrSourceUnavailable) {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(constant.DefaultPipelineIncrementalRetries),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("binlog dumper reconnecting",
				zap.String("job_id", b.cfg.JobID),
				zap.String("position", b.current.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))
}

func (b *BinlogDumper) startPosition(ctx context.Context) (BinlogPosition, error) {
	switch p := b.cfg.Position.(type) {
	case BinlogPosition:
		return p, nil
	case nil, position.Placeholder:
		cur, err := b.db.CurrentPosition(ctx, b.cfg)
		if err != nil {
			return BinlogPosition{}, err
		}
		return cur.(BinlogPosition), nil
	default:
		return BinlogPosition{}, fmt.Errorf("the binlog dumper position [%v] type [%T] is not support", p, p)
	}
}

func (b *BinlogDumper) stream(ctx context.Context, producer channel.Producer) error {
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:   b.serverID,
		Flavor:     b.cfg.DataSource.Prop("flavor", gomysql.MySQLFlavor),
		Host:       b.db.Host,
		Port:       b.db.Port,
		User:       b.cfg.DataSource.Username,
		Password:   b.cfg.DataSource.Password,
		UseDecimal: true,
		ParseTime:  true,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(gomysql.Position{Name: b.current.FileName, Pos: b.current.Pos})
	if err != nil {
		return fmt.Errorf("start binlog sync at [%s] failed: %v", b.current.String(), err)
	}

	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if b.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			return readError(err)
		}
		recs, err := b.convertEvent(ctx, ev)
		if err != nil {
			return convertError(err)
		}
		if len(recs) == 0 {
			continue
		}
		if err = producer.PushBatch(ctx, recs); err != nil {
			if b.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			return retry.Unrecoverable(err)
		}
	}
}

// convertError lets a metadata query failure reach the reconnect loop, a malformed
// event or a schema mismatch fails the task
func convertError(err error) error {
	if errors.Is(err, errQueryTableColumns) {
		return err
	}
	return retry.Unrecoverable(err)
}

// readError marks a purged binlog as unavailable history
func readError(err error) error {
	if isBinlogPurged(err) {
		return fmt.Errorf("%w: %v", ingest.ErrSourceUnavailable, err)
	}
	return err
}

func isBinlogPurged(err error) bool {
	var myErr *gomysql.MyError
	if errors.As(err, &myErr) && myErr.Code == errCodeBinlogPurged {
		return true
	}
	if myErr, ok := perrors.Cause(err).(*gomysql.MyError); ok && myErr.Code == errCodeBinlogPurged {
		return true
	}
	return false
}

func (b *BinlogDumper) convertEvent(ctx context.Context, ev *replication.BinlogEvent) ([]record.Record, error) {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		b.file = string(e.NextLogName)
		b.current = BinlogPosition{ServerID: ev.Header.ServerID, FileName: b.file, Pos: uint32(e.Position)}
		return nil, nil
	case *replication.XIDEvent:
		return b.commit(ev), nil
	case *replication.QueryEvent:
		if strings.EqualFold(strings.TrimSpace(string(e.Query)), "BEGIN") {
			return nil, nil
		}
		// ddl and non transactional statements end their own transaction
		return b.commit(ev), nil
	case *replication.RowsEvent:
		return b.convertRows(ctx, ev, e)
	default:
		return nil, nil
	}
}

func (b *BinlogDumper) commit(ev *replication.BinlogEvent) []record.Record {
	b.current = BinlogPosition{ServerID: ev.Header.ServerID, FileName: b.file, Pos: ev.Header.LogPos}
	return []record.Record{&record.PlaceholderRecord{Pos: b.current}}
}

func (b *BinlogDumper) convertRows(ctx context.Context, ev *replication.BinlogEvent, e *replication.RowsEvent) ([]record.Record, error) {
	schema, table := string(e.Table.Schema), string(e.Table.Table)
	if !strings.EqualFold(schema, b.db.Schema) || !b.filter.MatchTable(table) || len(e.Rows) == 0 {
		return []record.Record{&record.PlaceholderRecord{Pos: b.current}}, nil
	}
	columns, err := b.tableColumns(ctx, table, len(e.Rows[0]))
	if err != nil {
		return nil, err
	}

	commitTime := time.Unix(int64(ev.Header.Timestamp), 0)
	var recs []record.Record
	switch ev.Header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			recs = append(recs, &record.DataRecord{
				Type: constant.DMLInsertType, TableName: table, After: rowColumns(columns, row, nil),
				CommitTime: commitTime, Pos: b.current,
			})
		}
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			recs = append(recs, &record.DataRecord{
				Type: constant.DMLDeleteType, TableName: table, Before: rowColumns(columns, row, nil),
				CommitTime: commitTime, Pos: b.current,
			})
		}
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		if len(e.Rows)%2 != 0 {
			return nil, fmt.Errorf("the table [%s] update rows event is incomplete, missing after row", table)
		}
		for i := 0; i < len(e.Rows); i += 2 {
			before := rowColumns(columns, e.Rows[i], nil)
			recs = append(recs, &record.DataRecord{
				Type: constant.DMLUpdateType, TableName: table, Before: before, After: rowColumns(columns, e.Rows[i+1], before),
				CommitTime: commitTime, Pos: b.current,
			})
		}
	default:
		return nil, fmt.Errorf("the table [%s] rows event type [%s] is not support", table, ev.Header.EventType)
	}
	return recs, nil
}

// tableColumns returns the cached column metadata, reloaded when the row width changed
func (b *BinlogDumper) tableColumns(ctx context.Context, table string, width int) ([]*database.TableColumn, error) {
	if cols, ok := b.columns[table]; ok && len(cols) == width {
		return cols, nil
	}
	cols, err := b.db.GetTableColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errQueryTableColumns, err)
	}
	if len(cols) != width {
		return nil, fmt.Errorf("the table [%s] binlog row has %d columns, the table has %d columns", table, width, len(cols))
	}
	b.columns[table] = cols
	return cols, nil
}

func rowColumns(columns []*database.TableColumn, row []interface{}, before []record.Column) []record.Column {
	image := make([]record.Column, 0, len(columns))
	for i, c := range columns {
		col := record.Column{Name: c.Name, Value: record.NormalizeValue(row[i]), Key: c.PrimaryKeyOrdinal > 0}
		if before != nil {
			col.Updated = record.FormatValue(before[i].Value) != record.FormatValue(col.Value)
		}
		image = append(image, col)
	}
	return image
}
