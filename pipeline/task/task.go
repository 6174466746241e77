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
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/pipeline/importer"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
)

// SyncTask moves records from a reader to writers
type SyncTask interface {
	TaskID() string
	// Prepare checks the task can run, it is called once before Start
	Prepare(ctx context.Context) error
	// Start runs the task in the background, the channel delivers exactly one result
	Start(ctx context.Context) <-chan Result
	// Stop is idempotent and safe from any goroutine
	Stop()
	Progress() Progress
}

// Result is the completion of a task
type Result struct {
	TaskID    string
	Err       error
	Processed int64
	// Failures are the failed children of a group keyed by task id
	Failures map[string]error
}

// Progress is the acknowledged state of a task
type Progress struct {
	TaskID string
	// Position is the last acknowledged position, nil before the first ack
	Position             position.Position
	ProcessedRecordCount int64
	MissedCount          int64
	// LastEventTime is the commit time of the last acknowledged change
	LastEventTime time.Time
	Finished      bool
}

// AckListener observes every acknowledged batch, it persists the position
type AckListener func(progress Progress)

// SyncConfiguration is the configuration of a History or Realtime task,
// Inventory and Incremental are exclusive
type SyncConfiguration struct {
	TaskID string
	// Concurrency is the number of writer lanes of a Realtime task
	Concurrency     int
	ChannelCapacity int
	Inventory       *ingest.InventoryConfig
	Incremental     *ingest.IncrementalConfig
	Importer        *importer.ImporterConfig
	OnAck           AckListener
}

func (c *SyncConfiguration) channelCapacity() int {
	if c.ChannelCapacity <= 0 {
		return constant.DefaultPipelineChannelCapacity
	}
	return c.ChannelCapacity
}

// NewSyncTask creates a task of the given kind. A group is built from its
// children, the other kinds from the configuration and the two databases.
func NewSyncTask(kind string, cfg *SyncConfiguration, source, target database.IDatabase, children ...SyncTask) (SyncTask, error) {
	switch kind {
	case constant.TaskKindHistory:
		if cfg.Inventory == nil {
			return nil, fmt.Errorf("the task [%s] kind [%s] requires an inventory configuration", cfg.TaskID, kind)
		}
		return NewHistory(cfg, source, target), nil
	case constant.TaskKindHistoryGroup:
		return NewHistoryGroup(cfg.TaskID, cfg.Concurrency, children...), nil
	case constant.TaskKindRealtime:
		if cfg.Incremental == nil {
			return nil, fmt.Errorf("the task [%s] kind [%s] requires an incremental configuration", cfg.TaskID, kind)
		}
		return NewRealtime(cfg, source, target)
	default:
		return nil, fmt.Errorf("the task [%s] kind [%s] is not support", cfg.TaskID, kind)
	}
}

// ackedPosition is the last concrete position of a batch
func ackedPosition(recs []record.Record) position.Position {
	for i := len(recs) - 1; i >= 0; i-- {
		p := recs[i].Position()
		if _, placeholder := p.(position.Placeholder); p != nil && !placeholder {
			return p
		}
	}
	return nil
}

func lastCommitTime(recs []record.Record) time.Time {
	var t time.Time
	for _, r := range recs {
		if d, ok := r.(*record.DataRecord); ok && d.CommitTime.After(t) {
			t = d.CommitTime
		}
	}
	return t
}

func deliver(res Result) <-chan Result {
	ch := make(chan Result, 1)
	ch <- res
	close(ch)
	return ch
}
