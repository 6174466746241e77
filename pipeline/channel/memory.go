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
	"time"

	"github.com/wentaojin/scaling/pipeline/record"
)

// MemoryChannel is a bounded single producer single consumer channel
type MemoryChannel struct {
	q     *queue
	ackFn AckCallback
}

func NewMemoryChannel(capacity int, ackFn AckCallback) *MemoryChannel {
	return &MemoryChannel{
		q:     newQueue(capacity),
		ackFn: ackFn,
	}
}

func (c *MemoryChannel) PushBatch(ctx context.Context, recs []record.Record) error {
	for _, r := range recs {
		if err := c.q.push(ctx, entry{rec: r}); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemoryChannel) PullBatch(ctx context.Context, max int, timeout time.Duration) ([]record.Record, error) {
	entries, err := c.q.pull(ctx, max, timeout)
	return records(entries), err
}

func (c *MemoryChannel) Ack(recs []record.Record) {
	if len(recs) == 0 || c.ackFn == nil {
		return
	}
	c.ackFn(recs)
}

func (c *MemoryChannel) Close() {
	c.q.close()
}
