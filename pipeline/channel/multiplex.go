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
package channel

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/wentaojin/scaling/pipeline/record"
)

// MultiplexChannel fans a single reader out to several writer lanes.
//
// Data records are routed by table and key values, so changes of one row
// always land in the same lane in push order. Every pushed record takes a
// sequence number, the ack callback of a pushed batch fires once every
// sequence up to the batch's last one is acknowledged, whatever lane it
// went to. Placeholder records are acknowledged at push, the finished
// record is broadcast to every lane.
//
// An UPDATE changing the key is a barrier: it is pushed once everything
// before it is acknowledged, and nothing after it is pushed until it is
// acknowledged, so the old and new key of the row never race on two lanes.
type MultiplexChannel struct {
	lanes []*lane
	ackFn AckCallback

	mu        sync.Mutex
	nextSeq   uint64
	watermark uint64
	acked     map[uint64]struct{}
	pending   []pendingBatch
	// advanced is closed and replaced every time the watermark moves
	advanced chan struct{}
}

type pendingBatch struct {
	lastSeq uint64
	records []record.Record
}

func NewMultiplexChannel(lanes, capacity int, ackFn AckCallback) *MultiplexChannel {
	if lanes <= 0 {
		lanes = 1
	}
	c := &MultiplexChannel{
		ackFn:    ackFn,
		acked:    make(map[uint64]struct{}),
		advanced: make(chan struct{}),
	}
	for i := 0; i < lanes; i++ {
		c.lanes = append(c.lanes, &lane{parent: c, q: newQueue(capacity)})
	}
	return c
}

// Lanes returns the consumer of every lane
func (c *MultiplexChannel) Lanes() []Consumer {
	consumers := make([]Consumer, 0, len(c.lanes))
	for _, l := range c.lanes {
		consumers = append(consumers, l)
	}
	return consumers
}

type routed struct {
	lane int
	e    entry
}

func (c *MultiplexChannel) PushBatch(ctx context.Context, recs []record.Record) error {
	start := 0
	for i, r := range recs {
		dr, ok := r.(*record.DataRecord)
		if !ok || !dr.KeyChanged() {
			continue
		}
		if err := c.push(ctx, recs[start:i]); err != nil {
			return err
		}
		if err := c.pushBarrier(ctx, recs[i:i+1]); err != nil {
			return err
		}
		start = i + 1
	}
	return c.push(ctx, recs[start:])
}

func (c *MultiplexChannel) pushBarrier(ctx context.Context, recs []record.Record) error {
	if err := c.waitAcked(ctx); err != nil {
		return err
	}
	if err := c.push(ctx, recs); err != nil {
		return err
	}
	return c.waitAcked(ctx)
}

// waitAcked blocks until every pushed record is acknowledged
func (c *MultiplexChannel) waitAcked(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.watermark >= c.nextSeq {
			c.mu.Unlock()
			return nil
		}
		advanced := c.advanced
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-advanced:
		}
	}
}

func (c *MultiplexChannel) push(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	var (
		sends []routed
		acks  []uint64
	)
	c.mu.Lock()
	for _, r := range recs {
		switch v := r.(type) {
		case *record.FinishedRecord:
			for i := range c.lanes {
				c.nextSeq++
				sends = append(sends, routed{lane: i, e: entry{rec: v, seq: c.nextSeq}})
			}
		case *record.DataRecord:
			c.nextSeq++
			sends = append(sends, routed{lane: c.route(v), e: entry{rec: v, seq: c.nextSeq}})
		default:
			c.nextSeq++
			acks = append(acks, c.nextSeq)
		}
	}
	c.pending = append(c.pending, pendingBatch{lastSeq: c.nextSeq, records: recs})
	c.ackLocked(acks)
	c.mu.Unlock()

	for _, s := range sends {
		if err := c.lanes[s.lane].q.push(ctx, s.e); err != nil {
			return err
		}
	}
	return nil
}

func (c *MultiplexChannel) route(r *record.DataRecord) int {
	if len(c.lanes) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.RoutingKey()))
	return int(h.Sum32() % uint32(len(c.lanes)))
}

// ackLocked marks sequences acknowledged, advances the contiguous watermark
// and fires the callbacks of the batches fully below it
func (c *MultiplexChannel) ackLocked(seqs []uint64) {
	for _, s := range seqs {
		c.acked[s] = struct{}{}
	}
	from := c.watermark
	for {
		if _, ok := c.acked[c.watermark+1]; !ok {
			break
		}
		delete(c.acked, c.watermark+1)
		c.watermark++
	}
	if c.watermark != from {
		close(c.advanced)
		c.advanced = make(chan struct{})
	}
	for len(c.pending) > 0 && c.pending[0].lastSeq <= c.watermark {
		b := c.pending[0]
		c.pending = c.pending[1:]
		if c.ackFn != nil {
			c.ackFn(b.records)
		}
	}
}

func (c *MultiplexChannel) Close() {
	for _, l := range c.lanes {
		l.q.close()
	}
}

// lane is one writer's view of a multiplex channel
type lane struct {
	parent *MultiplexChannel
	q      *queue

	mu       sync.Mutex
	inflight []uint64
}

func (l *lane) PullBatch(ctx context.Context, max int, timeout time.Duration) ([]record.Record, error) {
	entries, err := l.q.pull(ctx, max, timeout)
	if len(entries) > 0 {
		l.mu.Lock()
		for _, e := range entries {
			l.inflight = append(l.inflight, e.seq)
		}
		l.mu.Unlock()
	}
	return records(entries), err
}

// Ack acknowledges the oldest len(recs) pulled records of the lane
func (l *lane) Ack(recs []record.Record) {
	if len(recs) == 0 {
		return
	}
	l.mu.Lock()
	n := len(recs)
	if n > len(l.inflight) {
		n = len(l.inflight)
	}
	seqs := append([]uint64(nil), l.inflight[:n]...)
	l.inflight = l.inflight[n:]
	l.mu.Unlock()

	l.parent.mu.Lock()
	l.parent.ackLocked(seqs)
	l.parent.mu.Unlock()
}
