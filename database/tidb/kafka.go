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
package tidb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/filter"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Data source props of the changefeed topic
const (
	PropBrokers     = "brokers"
	PropTopic       = "topic"
	PropPartition   = "partition"
	PropCompression = "compression"
)

type changefeed struct {
	brokers     []string
	topic       string
	partition   int
	compression string
}

func parseChangefeed(desc *datasource.Descriptor) (*changefeed, error) {
	brokers := desc.Prop(PropBrokers, "")
	topic := desc.Prop(PropTopic, "")
	if brokers == "" || topic == "" {
		return nil, fmt.Errorf("the datasource [%s] requires the props [%s] and [%s] of the ticdc changefeed", desc.Name, PropBrokers, PropTopic)
	}
	partition, err := strconv.Atoi(desc.Prop(PropPartition, "0"))
	if err != nil {
		return nil, fmt.Errorf("the datasource [%s] prop partition is invalid: %v", desc.Name, err)
	}
	return &changefeed{
		brokers:     stringutil.StringSplit(brokers, constant.StringSeparatorComma),
		topic:       topic,
		partition:   partition,
		compression: strings.ToLower(desc.Prop(PropCompression, CompressionNone)),
	}, nil
}

// dialLeader connects the partition leader through the first reachable broker
func (c *changefeed) dialLeader(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", strings.TrimSpace(addr), c.topic, c.partition)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("the kafka connection ping lost, please check the connectivity and whether there is any problem with the network address [%v] configuration: %v",
		stringutil.StringJoin(c.brokers, constant.StringSeparatorComma), lastErr)
}

func (c *changefeed) offsets(ctx context.Context) (int64, int64, error) {
	conn, err := c.dialLeader(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	first, last, err := conn.ReadOffsets()
	if err != nil {
		return 0, 0, fmt.Errorf("read the topic [%s] partition [%d] offsets failed: %v", c.topic, c.partition, err)
	}
	return first, last, nil
}

// CurrentPosition returns the offset the next changefeed message is written at
func (d *Database) CurrentPosition(ctx context.Context, cfg *ingest.IncrementalConfig) (position.Position, error) {
	cf, err := parseChangefeed(cfg.DataSource)
	if err != nil {
		return nil, err
	}
	_, last, err := cf.offsets(ctx)
	if err != nil {
		return nil, err
	}
	return OffsetPosition{Partition: cf.partition, Offset: last}, nil
}

func (d *Database) NewIncrementalDumper(cfg *ingest.IncrementalConfig) (ingest.IncrementalDumper, error) {
	cf, err := parseChangefeed(cfg.DataSource)
	if err != nil {
		return nil, err
	}
	f, err := filter.Parse(cfg.Tables)
	if err != nil {
		return nil, err
	}
	return &KafkaDumper{
		db:         d,
		cfg:        cfg,
		changefeed: cf,
		filter:     f,
		stopping:   atomic.NewBool(false),
	}, nil
}

// KafkaDumper consumes one partition of a ticdc open-protocol changefeed.
// Records of a message carry the message offset and a placeholder at the
// next offset closes the message, a resumed dumper replays at most one
// message.
type KafkaDumper struct {
	db         *Database
	cfg        *ingest.IncrementalConfig
	changefeed *changefeed
	filter     filter.Filter

	current OffsetPosition

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping *atomic.Bool
}

func (k *KafkaDumper) Stop() {
	k.stopping.Store(true)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
	}
}

func (k *KafkaDumper) Dump(ctx context.Context, producer channel.Producer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()
	if k.stopping.Load() {
		return nil
	}

	start, err := k.startPosition(ctx)
	if err != nil {
		return err
	}
	first, _, err := k.changefeed.offsets(ctx)
	if err != nil {
		return err
	}
	if start.Offset < first {
		return fmt.Errorf("%w: the topic [%s] partition [%d] offset [%d] is below the first retained offset [%d]",
			ingest.ErrSourceUnavailable, k.changefeed.topic, k.changefeed.partition, start.Offset, first)
	}
	k.current = start
	logger.Info("kafka dumper starting",
		zap.String("job_id", k.cfg.JobID),
		zap.Int("sharding_item", k.cfg.ShardingItem),
		zap.String("topic", k.changefeed.topic),
		zap.Int("partition", k.changefeed.partition),
		zap.String("position", start.String()))

	return retry.Do(func() error {
		err := k.consume(ctx, producer)
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
			logger.Warn("kafka dumper reconnecting",
				zap.String("job_id", k.cfg.JobID),
				zap.String("position", k.current.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))
}

func (k *KafkaDumper) startPosition(ctx context.Context) (OffsetPosition, error) {
	switch p := k.cfg.Position.(type) {
	case OffsetPosition:
		if p.Partition != k.changefeed.partition {
			return OffsetPosition{}, fmt.Errorf("the kafka dumper position [%s] partition does not match the datasource partition [%d]", p.String(), k.changefeed.partition)
		}
		return p, nil
	case nil, position.Placeholder:
		cur, err := k.db.CurrentPosition(ctx, k.cfg)
		if err != nil {
			return OffsetPosition{}, err
		}
		return cur.(OffsetPosition), nil
	default:
		return OffsetPosition{}, fmt.Errorf("the kafka dumper position [%v] type [%T] is not support", p, p)
	}
}

func (k *KafkaDumper) consume(ctx context.Context, producer channel.Producer) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.changefeed.brokers,
		Topic:       k.changefeed.topic,
		Partition:   k.changefeed.partition,
		Logger:      kafka.LoggerFunc(logger.GetRootLogger().Sugar().Debugf),
		ErrorLogger: kafka.LoggerFunc(logger.GetRootLogger().Sugar().Errorf),
	})
	defer reader.Close()

	if err := reader.SetOffset(k.current.Offset); err != nil {
		return fmt.Errorf("set the topic [%s] partition [%d] offset [%d] failed: %v", k.changefeed.topic, k.changefeed.partition, k.current.Offset, err)
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if k.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafka.OffsetOutOfRange) {
				return fmt.Errorf("%w: %v", ingest.ErrSourceUnavailable, err)
			}
			return fmt.Errorf("read message failed: [%v]", err)
		}
		if msg.Partition != k.changefeed.partition {
			return retry.Unrecoverable(fmt.Errorf("the message dispatched to wrong partition [%d], the consumer assign partition [%d]", msg.Partition, k.changefeed.partition))
		}
		recs, err := k.convertMessage(msg)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("the topic [%s] partition [%d] offset [%d] message decoder failed: %v", msg.Topic, msg.Partition, msg.Offset, err))
		}
		if err = producer.PushBatch(ctx, recs); err != nil {
			if k.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// convertMessage turns the row events of a message into records, events of
// other schemas, filtered tables, ddl and resolved events only advance the position
func (k *KafkaDumper) convertMessage(msg kafka.Message) ([]record.Record, error) {
	decoder := newBatchDecoder(k.changefeed.compression)
	if err := decoder.AddKeyValue(msg.Key, msg.Value); err != nil {
		return nil, err
	}
	pos := OffsetPosition{Partition: msg.Partition, Offset: msg.Offset, CommitTs: k.current.CommitTs}

	var recs []record.Record
	for {
		evType, ok, err := decoder.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch evType {
		case eventTypeResolved:
			ts, err := decoder.NextResolvedEvent()
			if err != nil {
				return nil, err
			}
			pos.CommitTs = ts
		case eventTypeRow:
			key, row, err := decoder.NextRowEvent()
			if err != nil {
				return nil, err
			}
			if !strings.EqualFold(key.Schema, k.db.Schema) || !k.filter.MatchTable(key.Table) {
				continue
			}
			rec, err := convertRow(key, row, pos)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		default:
			logger.Warn("kafka dumper skip the non row event",
				zap.String("job_id", k.cfg.JobID),
				zap.Int("event_type", int(evType)),
				zap.Int64("offset", msg.Offset))
		}
	}
	k.current = OffsetPosition{Partition: msg.Partition, Offset: msg.Offset + 1, CommitTs: pos.CommitTs}
	recs = append(recs, &record.PlaceholderRecord{Pos: k.current})
	return recs, nil
}

func convertRow(key *eventKey, row *rowValue, pos OffsetPosition) (*record.DataRecord, error) {
	commitTime := tsoPhysicalTime(key.CommitTs)
	pos.CommitTs = key.CommitTs
	switch {
	case len(row.Delete) > 0:
		before, err := rowColumns(row.Delete)
		if err != nil {
			return nil, err
		}
		return &record.DataRecord{Type: constant.DMLDeleteType, TableName: key.Table, Before: before, CommitTime: commitTime, Pos: pos}, nil
	case len(row.Upsert) > 0 && len(row.Before) > 0:
		before, err := rowColumns(row.Before)
		if err != nil {
			return nil, err
		}
		after, err := rowColumns(row.Upsert)
		if err != nil {
			return nil, err
		}
		markUpdated(before, after)
		return &record.DataRecord{Type: constant.DMLUpdateType, TableName: key.Table, Before: before, After: after, CommitTime: commitTime, Pos: pos}, nil
	case len(row.Upsert) > 0:
		after, err := rowColumns(row.Upsert)
		if err != nil {
			return nil, err
		}
		return &record.DataRecord{Type: constant.DMLInsertType, TableName: key.Table, After: after, CommitTime: commitTime, Pos: pos}, nil
	default:
		return nil, fmt.Errorf("the table [%s] row event has no image", key.Table)
	}
}

func rowColumns(cols map[string]column) ([]record.Column, error) {
	out := make([]record.Column, 0, len(cols))
	for _, name := range sortedNames(cols) {
		c := cols[name]
		v, err := c.value()
		if err != nil {
			return nil, fmt.Errorf("the column [%s] %v", name, err)
		}
		out = append(out, record.Column{Name: name, Value: record.NormalizeValue(v), Key: c.isKey()})
	}
	return out, nil
}

func markUpdated(before, after []record.Column) {
	old := make(map[string]string, len(before))
	for _, c := range before {
		old[c.Name] = record.FormatValue(c.Value)
	}
	for i := range after {
		v, ok := old[after[i].Name]
		after[i].Updated = !ok || v != record.FormatValue(after[i].Value)
	}
}

// tsoPhysicalTime extracts the physical milliseconds of a tidb tso
func tsoPhysicalTime(ts uint64) time.Time {
	return time.UnixMilli(int64(ts >> 18))
}
