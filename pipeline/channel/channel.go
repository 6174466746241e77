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
	"time"

	"github.com/wentaojin/scaling/pipeline/record"
)

// ErrClosed is returned by PullBatch once the channel is closed and drained
var ErrClosed = errors.New("the channel is closed")

// Producer is the reader side of a channel
type Producer interface {
	// PushBatch blocks while the channel is full
	PushBatch(ctx context.Context, records []record.Record) error
	// Close tells consumers no more records will be pushed
	Close()
}

// Consumer is the writer side of a channel
type Consumer interface {
	// PullBatch returns up to max records, waiting at most timeout for them.
	// An empty batch means the timeout elapsed, ErrClosed that the channel is closed and drained.
	PullBatch(ctx context.Context, max int, timeout time.Duration) ([]record.Record, error)
	// Ack confirms the records of the last pulled batch are durably written
	Ack(records []record.Record)
}

// AckCallback is invoked with acknowledged records, in push order
type AckCallback func(records []record.Record)

type entry struct {
	rec record.Record
	seq uint64
}

// queue is a bounded fifo of records
type queue struct {
	ch        chan entry
	closeOnce sync.Once
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan entry, capacity)}
}

func (q *queue) push(ctx context.Context, e entry) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pull stops at max entries, at the timeout, or right after a finished record
func (q *queue) pull(ctx context.Context, max int, timeout time.Duration) ([]entry, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var entries []entry
	for len(entries) < max {
		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		case <-timer.C:
			return entries, nil
		case e, ok := <-q.ch:
			if !ok {
				if len(entries) == 0 {
					return nil, ErrClosed
				}
				return entries, nil
			}
			entries = append(entries, e)
			if record.IsFinished(e.rec) {
				return entries, nil
			}
		}
	}
	return entries, nil
}

func (q *queue) close() {
	q.closeOnce.Do(func() {
		close(q.ch)
	})
}

func records(entries []entry) []record.Record {
	recs := make([]record.Record, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, e.rec)
	}
	return recs
}
