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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
)

const (
	defaultPublication = "scaling_publication"
	receiveTimeout     = 300 * time.Millisecond
	maxSlotNameLength  = 63
)

func slotName(cfg *ingest.IncrementalConfig) string {
	if s := cfg.DataSource.Prop("slot", ""); s != "" {
		return s
	}
	name := strings.ToLower(fmt.Sprintf("scaling_%s_%d", cfg.JobID, cfg.ShardingItem))
	if len(name) > maxSlotNameLength {
		name = name[:maxSlotNameLength]
	}
	return name
}

func publicationName(cfg *ingest.IncrementalConfig) string {
	return cfg.DataSource.Prop("publication", defaultPublication)
}

// CurrentPosition creates the publication and the replication slot of the job item
// when missing and returns the current wal position
func (d *Database) CurrentPosition(ctx context.Context, cfg *ingest.IncrementalConfig) (position.Position, error) {
	pub, slot := publicationName(cfg), slotName(cfg)

	var exists int
	err := d.QueryRowContext(ctx, `SELECT COUNT(1) FROM pg_publication WHERE pubname = $1`, pub).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query publication [%s] failed: %v", pub, err)
	}
	if exists == 0 {
		if _, err = d.ExecContext(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", d.Dialect().QuoteIdentifier(pub))); err != nil {
			return nil, fmt.Errorf("create publication [%s] failed: %v", pub, err)
		}
		logger.Info("postgresql publication created", zap.String("publication", pub))
	}

	var lsn string
	err = d.QueryRowContext(ctx, `SELECT COUNT(1) FROM pg_replication_slots WHERE slot_name = $1`, slot).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query replication slot [%s] failed: %v", slot, err)
	}
	if exists == 0 {
		err = d.QueryRowContext(ctx, `SELECT lsn::text FROM pg_create_logical_replication_slot($1, 'pgoutput')`, slot).Scan(&lsn)
		if err != nil {
			return nil, fmt.Errorf("create replication slot [%s] failed: %v", slot, err)
		}
		logger.Info("postgresql replication slot created", zap.String("slot", slot), zap.String("lsn", lsn))
	} else {
		if err = d.QueryRowContext(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&lsn); err != nil {
			return nil, fmt.Errorf("query current wal lsn failed: %v", err)
		}
	}
	return ParseWalPosition(lsn)
}

// CleanIncremental drops the inactive replication slot of the job item
func (d *Database) CleanIncremental(ctx context.Context, cfg *ingest.IncrementalConfig) error {
	slot := slotName(cfg)
	_, err := d.ExecContext(ctx, `SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1 AND NOT active`, slot)
	if err != nil {
		return fmt.Errorf("drop replication slot [%s] failed: %v", slot, err)
	}
	return nil
}

// checkSlotRetained fails with ErrSourceUnavailable once the slot can no longer serve the position
func (d *Database) checkSlotRetained(ctx context.Context, slot string, pos WalPosition) error {
	var confirmed, walStatus sql.NullString
	err := d.QueryRowContext(ctx,
		`SELECT confirmed_flush_lsn::text, wal_status FROM pg_replication_slots WHERE slot_name = $1`, slot).Scan(&confirmed, &walStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: the replication slot [%s] is not exist", ingest.ErrSourceUnavailable, slot)
	}
	if err != nil {
		return fmt.Errorf("query replication slot [%s] failed: %v", slot, err)
	}
	if walStatus.Valid && walStatus.String == "lost" {
		return fmt.Errorf("%w: the replication slot [%s] wal is lost", ingest.ErrSourceUnavailable, slot)
	}
	if confirmed.Valid {
		flushed, err := ParseWalPosition(confirmed.String)
		if err != nil {
			return err
		}
		if flushed.Compare(pos) > 0 {
			return fmt.Errorf("%w: the replication slot [%s] confirmed position [%s] is after [%s]",
				ingest.ErrSourceUnavailable, slot, flushed.String(), pos.String())
		}
	}
	return nil
}

func (d *Database) NewIncrementalDumper(cfg *ingest.IncrementalConfig) (ingest.IncrementalDumper, error) {
	f, err := filter.Parse(cfg.Tables)
	if err != nil {
		return nil, err
	}
	return &WalDumper{
		db:          d,
		cfg:         cfg,
		filter:      f,
		slot:        slotName(cfg),
		publication: publicationName(cfg),
		decoder:     newDecoder(),
		acked:       atomic.NewUint64(0),
		stopping:    atomic.NewBool(false),
	}, nil
}

// WalDumper consumes the pgoutput logical replication stream of a slot. Records of
// a transaction carry the end position of the previous commit, the commit itself
// emits a placeholder at its end position. The slot is confirmed up to the
// position acknowledged by the writers only.
type WalDumper struct {
	db          *Database
	cfg         *ingest.IncrementalConfig
	filter      filter.Filter
	slot        string
	publication string
	decoder     *decoder

	current    WalPosition
	commitTime time.Time
	acked      *atomic.Uint64

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping *atomic.Bool
}

func (w *WalDumper) AckPosition(pos position.Position) {
	p, ok := pos.(WalPosition)
	if !ok {
		return
	}
	for {
		old := w.acked.Load()
		if uint64(p.LSN) <= old || w.acked.CompareAndSwap(old, uint64(p.LSN)) {
			return
		}
	}
}

func (w *WalDumper) Stop() {
	w.stopping.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *WalDumper) Dump(ctx context.Context, producer channel.Producer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	if w.stopping.Load() {
		return nil
	}

	start, err := w.startPosition(ctx)
	if err != nil {
		return err
	}
	if err = w.db.checkSlotRetained(ctx, w.slot, start); err != nil {
		return err
	}
	w.current = start
	w.AckPosition(start)
	logger.Info("wal dumper starting",
		zap.String("job_id", w.cfg.JobID),
		zap.Int("sharding_item", w.cfg.ShardingItem),
		zap.String("slot", w.slot),
		zap.String("position", start.String()))

	return retry.Do(func() error {
		err := w.stream(ctx, producer)
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
			logger.Warn("wal dumper reconnecting",
				zap.String("job_id", w.cfg.JobID),
				zap.String("position", w.current.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))
}

func (w *WalDumper) startPosition(ctx context.Context) (WalPosition, error) {
	switch p := w.cfg.Position.(type) {
	case WalPosition:
		return p, nil
	case nil, position.Placeholder:
		cur, err := w.db.CurrentPosition(ctx, w.cfg)
		if err != nil {
			return WalPosition{}, err
		}
		return cur.(WalPosition), nil
	default:
		return WalPosition{}, fmt.Errorf("the wal dumper position [%v] type [%T] is not support", p, p)
	}
}

func (w *WalDumper) stream(ctx context.Context, producer channel.Producer) error {
	conn, err := pgconn.Connect(ctx, w.db.replicationConnString())
	if err != nil {
		return fmt.Errorf("connect replication session failed: %v", err)
	}
	defer conn.Close(context.Background())

	err = pglogrepl.StartReplication(ctx, conn, w.slot, w.current.LSN, pglogrepl.StartReplicationOptions{
		Mode:       pglogrepl.LogicalReplication,
		PluginArgs: []string{"proto_version '1'", fmt.Sprintf("publication_names '%s'", w.publication)},
	})
	if err != nil {
		return startReplicationError(err)
	}

	for !w.stopping.Load() {
		msgCtx, cancel := context.WithDeadline(ctx, time.Now().Add(receiveTimeout))
		rawMsg, err := conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if w.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				if err = w.sendStandbyStatus(ctx, conn); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("receive replication message failed: %v", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("receive replication error: %v", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return retry.Unrecoverable(fmt.Errorf("parse primary keepalive message failed: %v", err))
				}
				if pkm.ReplyRequested {
					if err = w.sendStandbyStatus(ctx, conn); err != nil {
						return err
					}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return retry.Unrecoverable(fmt.Errorf("parse xlog data failed: %v", err))
				}
				// relations arrive in band, decoding never queries the source
				decoded, err := w.decoder.decode(xld.WALData)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				recs, err := w.convert(decoded)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				if len(recs) == 0 {
					continue
				}
				if err = producer.PushBatch(ctx, recs); err != nil {
					if w.stopping.Load() || ctx.Err() != nil {
						return nil
					}
					return retry.Unrecoverable(err)
				}
			}
		}
	}
	return nil
}

// startReplicationError maps a removed wal segment to ErrSourceUnavailable
func startReplicationError(err error) error {
	var pgErr *pgconn.PgError
	// 58P01 undefined file, the wal segment of the position was removed
	if errors.As(err, &pgErr) && pgErr.Code == "58P01" {
		return fmt.Errorf("%w: %v", ingest.ErrSourceUnavailable, pgErr)
	}
	return fmt.Errorf("start replication failed: %v", err)
}

// sendStandbyStatus confirms the position acknowledged by the writers
func (w *WalDumper) sendStandbyStatus(ctx context.Context, conn *pgconn.PgConn) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(w.acked.Load()),
		ClientTime:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send standby status update failed: %v", err)
	}
	return nil
}

func (w *WalDumper) convert(decoded any) ([]record.Record, error) {
	switch m := decoded.(type) {
	case *pglogrepl.BeginMessage:
		w.commitTime = m.CommitTime
	case *pglogrepl.CommitMessage:
		w.current = WalPosition{LSN: m.TransactionEndLSN}
		return []record.Record{&record.PlaceholderRecord{Pos: w.current}}, nil
	case *rowMessage:
		if !w.filter.MatchTable(m.relation.RelationName) {
			return []record.Record{&record.PlaceholderRecord{Pos: w.current}}, nil
		}
		r, err := convertRow(m, w.commitTime, w.current)
		if err != nil {
			return nil, err
		}
		return []record.Record{r}, nil
	}
	return nil, nil
}

func convertRow(m *rowMessage, commitTime time.Time, pos WalPosition) (*record.DataRecord, error) {
	r := &record.DataRecord{TableName: m.relation.RelationName, CommitTime: commitTime, Pos: pos}
	var err error
	switch m.kind {
	case pglogrepl.MessageTypeInsert:
		r.Type = constant.DMLInsertType
		r.After, err = tupleImage(m.relation, m.newTuple, false)
	case pglogrepl.MessageTypeDelete:
		r.Type = constant.DMLDeleteType
		r.Before, err = tupleImage(m.relation, m.oldTuple, m.keyOnly)
	case pglogrepl.MessageTypeUpdate:
		r.Type = constant.DMLUpdateType
		if r.After, err = tupleImage(m.relation, m.newTuple, false); err != nil {
			return nil, err
		}
		if m.oldTuple != nil {
			r.Before, err = tupleImage(m.relation, m.oldTuple, m.keyOnly)
		} else {
			// the key is unchanged when no old tuple is sent
			for _, c := range r.After {
				if c.Key {
					r.Before = append(r.Before, c)
				}
			}
		}
		markUpdated(r.Before, r.After)
	}
	if err != nil {
		return nil, err
	}
	if err = r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// tupleImage builds a row image, unchanged toasted values are left out and a
// key only old tuple drops the null placeholders of its non key columns
func tupleImage(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, keyOnly bool) ([]record.Column, error) {
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("the relation [%s] tuple has %d columns, want %d", rel.RelationName, len(tuple.Columns), len(rel.Columns))
	}
	image := make([]record.Column, 0, len(tuple.Columns))
	for i, c := range tuple.Columns {
		meta := rel.Columns[i]
		key := meta.Flags&relationColumnKeyFlag == relationColumnKeyFlag
		if c.DataType == pglogrepl.TupleDataTypeToast || (keyOnly && !key) {
			continue
		}
		col := record.Column{Name: meta.Name, Key: key}
		switch c.DataType {
		case pglogrepl.TupleDataTypeText:
			v, err := textValue(meta.DataType, c.Data)
			if err != nil {
				return nil, fmt.Errorf("the relation [%s] column [%s] %v", rel.RelationName, meta.Name, err)
			}
			col.Value = v
		case pglogrepl.TupleDataTypeBinary:
			col.Value = c.Data
		}
		image = append(image, col)
	}
	return image, nil
}

func markUpdated(before, after []record.Column) {
	values := make(map[string]string, len(before))
	for _, c := range before {
		values[c.Name] = record.FormatValue(c.Value)
	}
	for i := range after {
		v, ok := values[after[i].Name]
		after[i].Updated = !ok || v != record.FormatValue(after[i].Value)
	}
}
