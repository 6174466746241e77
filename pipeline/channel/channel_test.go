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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
)

func dataRecord(id int64) *record.DataRecord {
	return &record.DataRecord{
		Type:      constant.DMLInsertType,
		TableName: "t_order",
		After:     []record.Column{{Name: "order_id", Value: id, Key: true}},
		Pos:       position.PrimaryKey{Begin: id, End: 100},
	}
}

func TestMemoryChannelPullAck(t *testing.T) {
	ctx := context.Background()
	var acked []record.Record
	c := NewMemoryChannel(10, func(recs []record.Record) {
		acked = append(acked, recs...)
	})

	err := c.PushBatch(ctx, []record.Record{dataRecord(1), dataRecord(2), dataRecord(3), &record.FinishedRecord{Pos: position.Finished{}}})
	if err != nil {
		t.Fatal(err)
	}

	batch, err := c.PullBatch(ctx, 2, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("want 2 records, got %d", len(batch))
	}
	c.Ack(batch)

	// stops right after the finished record
	batch, err = c.PullBatch(ctx, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || !record.IsFinished(batch[1]) {
		t.Fatalf("unexpected batch %v", batch)
	}
	c.Ack(batch)

	if len(acked) != 4 {
		t.Fatalf("want 4 acked records, got %d", len(acked))
	}
}

func TestMemoryChannelPullTimeout(t *testing.T) {
	c := NewMemoryChannel(1, nil)
	start := time.Now()
	batch, err := c.PullBatch(context.Background(), 10, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatalf("want empty batch, got %d", len(batch))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("pull returned before timeout")
	}
}

func TestMemoryChannelClosed(t *testing.T) {
	c := NewMemoryChannel(4, nil)
	ctx := context.Background()
	if err := c.PushBatch(ctx, []record.Record{&record.PlaceholderRecord{Pos: position.Placeholder{}}}); err != nil {
		t.Fatal(err)
	}
	c.Close()
	batch, err := c.PullBatch(ctx, 10, time.Second)
	if err != nil || len(batch) != 1 {
		t.Fatalf("want the pending record before close, got %d records err %v", len(batch), err)
	}
	if _, err = c.PullBatch(ctx, 10, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed after drain, got %v", err)
	}
}

func TestMemoryChannelBackpressure(t *testing.T) {
	c := NewMemoryChannel(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.PushBatch(ctx, []record.Record{dataRecord(1), dataRecord(2)})
	if err == nil {
		t.Fatal("push into a full channel should block until the context is done")
	}
}

func TestMultiplexSameKeySameLane(t *testing.T) {
	c := NewMultiplexChannel(3, 100, nil)
	for i := 0; i < 5; i++ {
		r := &record.DataRecord{
			Type:      constant.DMLUpdateType,
			TableName: "t_order",
			Before:    []record.Column{{Name: "order_id", Value: int64(1), Key: true}},
			After:     []record.Column{{Name: "order_id", Value: int64(1), Key: true}},
		}
		if c.route(r) != c.route(dataRecord(1)) {
			t.Fatal("records of the same row must be routed to the same lane")
		}
	}
}

func TestMultiplexAckMonotonic(t *testing.T) {
	ctx := context.Background()

	var (
		mu        sync.Mutex
		positions []position.Position
	)
	c := NewMultiplexChannel(3, 100, func(recs []record.Record) {
		mu.Lock()
		positions = append(positions, record.LastPosition(recs))
		mu.Unlock()
	})

	var batches [][]record.Record
	for b := int64(0); b < 4; b++ {
		var batch []record.Record
		for i := int64(0); i < 5; i++ {
			batch = append(batch, dataRecord(b*5+i))
		}
		batch = append(batch, &record.PlaceholderRecord{Pos: position.PrimaryKey{Begin: b*5 + 4, End: 100}})
		batches = append(batches, batch)
	}
	for _, b := range batches {
		if err := c.PushBatch(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.PushBatch(ctx, []record.Record{&record.FinishedRecord{Pos: position.Finished{}}}); err != nil {
		t.Fatal(err)
	}

	// drain lanes in reverse order so the later lanes ack first
	lanes := c.Lanes()
	for i := len(lanes) - 1; i >= 0; i-- {
		for {
			recs, err := lanes[i].PullBatch(ctx, 2, 20*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) == 0 {
				break
			}
			lanes[i].Ack(recs)
			if record.IsFinished(recs[len(recs)-1]) {
				break
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(positions) != 5 {
		t.Fatalf("want 5 batch callbacks, got %d", len(positions))
	}
	for i := 1; i < len(positions); i++ {
		if positions[i].Compare(positions[i-1]) < 0 {
			t.Fatalf("acked positions went backwards: %v after %v", positions[i], positions[i-1])
		}
	}
	if !position.IsFinished(positions[len(positions)-1]) {
		t.Fatalf("last acked position should be finished, got %v", positions[len(positions)-1])
	}
}

func TestMultiplexWaitsForSlowLane(t *testing.T) {
	ctx := context.Background()
	var fired int
	c := NewMultiplexChannel(2, 100, func(recs []record.Record) {
		fired++
	})

	// find two rows routed to different lanes
	var first, second *record.DataRecord
	for id := int64(0); id < 100 && second == nil; id++ {
		r := dataRecord(id)
		switch {
		case first == nil:
			first = r
		case c.route(r) != c.route(first):
			second = r
		}
	}
	if second == nil {
		t.Skip("no two rows routed to different lanes")
	}

	if err := c.PushBatch(ctx, []record.Record{first}); err != nil {
		t.Fatal(err)
	}
	if err := c.PushBatch(ctx, []record.Record{second}); err != nil {
		t.Fatal(err)
	}

	lanes := c.Lanes()
	slow, fast := lanes[c.route(first)], lanes[c.route(second)]

	recs, _ := fast.PullBatch(ctx, 10, 20*time.Millisecond)
	fast.Ack(recs)
	if fired != 0 {
		t.Fatalf("the second batch must wait for the first one, fired %d", fired)
	}

	recs, _ = slow.PullBatch(ctx, 10, 20*time.Millisecond)
	slow.Ack(recs)
	if fired != 2 {
		t.Fatalf("want both batches fired, got %d", fired)
	}
}

func TestMultiplexPlaceholderOnlyBatch(t *testing.T) {
	var fired int
	c := NewMultiplexChannel(2, 10, func(recs []record.Record) {
		fired++
	})
	err := c.PushBatch(context.Background(), []record.Record{&record.PlaceholderRecord{Pos: position.Placeholder{}}})
	if err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatal("a batch without data is acknowledged at push")
	}
}

func updateRecord(before, after int64, status string) *record.DataRecord {
	return &record.DataRecord{
		Type:      constant.DMLUpdateType,
		TableName: "t_order",
		Before:    []record.Column{{Name: "order_id", Value: before, Key: true}},
		After: []record.Column{
			{Name: "order_id", Value: after, Key: true, Updated: before != after},
			{Name: "status", Value: status, Updated: true},
		},
		Pos: position.PrimaryKey{Begin: after, End: 100},
	}
}

func TestMultiplexKeyChangeIsBarrier(t *testing.T) {
	ctx := context.Background()
	c := NewMultiplexChannel(2, 10, nil)

	// the new key must hash to the other lane than the old key
	var newKey int64 = -1
	for id := int64(2); id < 100; id++ {
		if c.route(dataRecord(id)) != c.route(dataRecord(1)) {
			newKey = id
			break
		}
	}
	if newKey < 0 {
		t.Skip("no key routed to the other lane")
	}
	moved := updateRecord(1, newKey, "moved")
	next := updateRecord(newKey, newKey, "paid")

	pushed := make(chan error, 1)
	go func() {
		pushed <- c.PushBatch(ctx, []record.Record{moved, next})
	}()

	lanes := c.Lanes()
	oldLane, newLane := lanes[c.route(moved)], lanes[c.route(next)]
	if oldLane == newLane {
		t.Fatal("the old and new key should be routed to different lanes")
	}

	recs, err := newLane.PullBatch(ctx, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("the change of the new key must wait for the key change, got %v", recs)
	}

	recs, err = oldLane.PullBatch(ctx, 1, time.Second)
	if err != nil || len(recs) != 1 || recs[0] != record.Record(moved) {
		t.Fatalf("want the key change on the old key lane, got %v err %v", recs, err)
	}
	oldLane.Ack(recs)

	recs, err = newLane.PullBatch(ctx, 1, time.Second)
	if err != nil || len(recs) != 1 || recs[0] != record.Record(next) {
		t.Fatalf("want the change of the new key after the key change, got %v err %v", recs, err)
	}
	newLane.Ack(recs)

	select {
	case err = <-pushed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("push did not return")
	}
}
