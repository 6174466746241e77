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
package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/task"
)

// ItemContext is the running state of one sharding item, it is handed down
// from the runner to the executor and the tasks it creates
type ItemContext struct {
	JobID        string
	ShardingItem int
	Config       *Configuration

	api      *governance.JobAPI
	stopping *atomic.Bool

	// baseProcessed is the persisted count of the previous runs of the item
	baseProcessed int64

	mu               sync.Mutex
	progress         *ItemProgress
	inventoryTasks   []task.SyncTask
	incrementalTasks []task.SyncTask
}

func NewItemContext(api *governance.JobAPI, cfg *Configuration, shardingItem int, progress *ItemProgress) *ItemContext {
	if progress == nil {
		progress = NewItemProgress("")
	}
	return &ItemContext{
		JobID:         cfg.JobID,
		ShardingItem:  shardingItem,
		Config:        cfg,
		api:           api,
		stopping:      atomic.NewBool(false),
		progress:      progress,
		baseProcessed: progress.ProcessedRecordCount,
	}
}

func (c *ItemContext) API() *governance.JobAPI {
	return c.api
}

func (c *ItemContext) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress.Status
}

// Progress returns a snapshot of the item progress
func (c *ItemContext) Progress() ItemProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := *c.progress
	p.Inventory = make(map[string]string, len(c.progress.Inventory))
	for k, v := range c.progress.Inventory {
		p.Inventory[k] = v
	}
	if c.progress.Incremental != nil {
		inc := *c.progress.Incremental
		p.Incremental = &inc
	}
	if c.progress.Check != nil {
		chk := *c.progress.Check
		p.Check = &chk
	}
	return p
}

// SetStatus validates the transition and persists it before the caller acts on it
func (c *ItemContext) SetStatus(ctx context.Context, status string) error {
	c.mu.Lock()
	from := c.progress.Status
	if err := checkTransition(from, status); err != nil {
		c.mu.Unlock()
		return err
	}
	c.progress.Status = status
	if !IsFailure(status) {
		c.progress.ErrorMessage = ""
	}
	c.mu.Unlock()

	logger.Info("job item status changed",
		zap.String("job_id", c.JobID),
		zap.Int("sharding_item", c.ShardingItem),
		zap.String("from", from),
		zap.String("to", status))
	return c.Persist(ctx)
}

// Fail moves the item to the failure status of its current status and records the error
func (c *ItemContext) Fail(ctx context.Context, cause error) error {
	c.mu.Lock()
	c.progress.Status = FailureStatus(c.progress.Status)
	c.progress.ErrorMessage = cause.Error()
	c.mu.Unlock()

	logger.Error("job item failed",
		zap.String("job_id", c.JobID),
		zap.Int("sharding_item", c.ShardingItem),
		zap.Error(cause))
	return c.Persist(ctx)
}

// Update mutates the progress under the item lock, it does not persist
func (c *ItemContext) Update(fn func(p *ItemProgress)) {
	c.mu.Lock()
	fn(c.progress)
	c.mu.Unlock()
}

// Persist writes the progress to the governance store, last writer wins
func (c *ItemContext) Persist(ctx context.Context) error {
	c.mu.Lock()
	s, err := c.progress.Marshal()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.api.PersistItemProgress(ctx, c.JobID, c.ShardingItem, s)
}

// AckInventory records an acknowledged inventory task position and persists it
func (c *ItemContext) AckInventory(ctx context.Context, p task.Progress) {
	c.Update(func(ip *ItemProgress) {
		ip.Inventory[p.TaskID] = p.Position.String()
		ip.ProcessedRecordCount = c.processedLocked()
	})
	if err := c.Persist(ctx); err != nil {
		logger.Warn("persist job item inventory position failed",
			zap.String("job_id", c.JobID),
			zap.Int("sharding_item", c.ShardingItem),
			zap.String("task_id", p.TaskID),
			zap.Error(err))
	}
}

// AckIncremental records the acknowledged change stream position and persists it
func (c *ItemContext) AckIncremental(ctx context.Context, p task.Progress) {
	c.Update(func(ip *ItemProgress) {
		if ip.Incremental == nil {
			ip.Incremental = &IncrementalProgress{}
		}
		if p.Position != nil {
			ip.Incremental.Position = p.Position.String()
		}
		if !p.LastEventTime.IsZero() {
			ip.Incremental.LastEventTimestamps = p.LastEventTime.UnixMilli()
		}
		ip.Incremental.LatestActiveTimeMillis = time.Now().UnixMilli()
		ip.ProcessedRecordCount = c.processedLocked()
	})
	if err := c.Persist(ctx); err != nil {
		logger.Warn("persist job item incremental position failed",
			zap.String("job_id", c.JobID),
			zap.Int("sharding_item", c.ShardingItem),
			zap.Error(err))
	}
}

// SetTasks registers the running tasks so Stop reaches them
func (c *ItemContext) SetTasks(inventory, incremental []task.SyncTask) {
	c.mu.Lock()
	c.inventoryTasks = inventory
	c.incrementalTasks = incremental
	c.mu.Unlock()
	if c.stopping.Load() {
		c.stopTasks()
	}
}

func (c *ItemContext) InventoryTasks() []task.SyncTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inventoryTasks
}

func (c *ItemContext) IncrementalTasks() []task.SyncTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrementalTasks
}

// ProcessedRecordCount sums the records written by the tasks of the item
func (c *ItemContext) ProcessedRecordCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processedLocked()
}

func (c *ItemContext) processedLocked() int64 {
	n := c.baseProcessed
	for _, t := range c.inventoryTasks {
		n += t.Progress().ProcessedRecordCount
	}
	for _, t := range c.incrementalTasks {
		n += t.Progress().ProcessedRecordCount
	}
	return n
}

// Stop is idempotent, it stops the registered tasks and any registered later
func (c *ItemContext) Stop() {
	if c.stopping.CAS(false, true) {
		c.stopTasks()
	}
}

func (c *ItemContext) Stopping() bool {
	return c.stopping.Load()
}

func (c *ItemContext) stopTasks() {
	c.mu.Lock()
	tasks := append(append([]task.SyncTask(nil), c.inventoryTasks...), c.incrementalTasks...)
	c.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}
