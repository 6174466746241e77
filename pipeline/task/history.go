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
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/importer"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/record"
)

// History copies one inventory range, it finishes once the finished record is written
type History struct {
	cfg    *SyncConfiguration
	source database.IDatabase
	target database.IDatabase

	ch       *channel.MemoryChannel
	dumper   *ingest.InventoryDumper
	importer *importer.Importer

	mu       sync.Mutex
	pos      position.Position
	finished bool
	started  *atomic.Bool
}

func NewHistory(cfg *SyncConfiguration, source, target database.IDatabase) *History {
	h := &History{
		cfg:     cfg,
		source:  source,
		target:  target,
		pos:     cfg.Inventory.Position,
		started: atomic.NewBool(false),
	}
	if cfg.Inventory.TaskID == "" {
		cfg.Inventory.TaskID = cfg.TaskID
	}
	if cfg.Importer == nil {
		cfg.Importer = &importer.ImporterConfig{}
	}
	if cfg.Importer.TaskID == "" {
		cfg.Importer.TaskID = cfg.TaskID
	}
	h.finished = position.IsFinished(h.pos)
	h.ch = channel.NewMemoryChannel(cfg.channelCapacity(), h.onAck)
	h.dumper = ingest.NewInventoryDumper(source, cfg.Inventory)
	h.importer = importer.NewImporter(target, h.ch, cfg.Importer)
	return h
}

func (h *History) TaskID() string {
	return h.cfg.TaskID
}

func (h *History) Prepare(ctx context.Context) error {
	if _, err := h.source.GetTableColumns(ctx, h.cfg.Inventory.TableName); err != nil {
		return fmt.Errorf("the task [%s] source table [%s] is unavailable: %v", h.cfg.TaskID, h.cfg.Inventory.TableName, err)
	}
	return h.target.PingDatabaseConnection(ctx)
}

func (h *History) Start(ctx context.Context) <-chan Result {
	if !h.started.CAS(false, true) {
		return deliver(Result{TaskID: h.cfg.TaskID, Err: fmt.Errorf("the task [%s] is already started", h.cfg.TaskID)})
	}
	res := make(chan Result, 1)
	go func() {
		defer close(res)
		startTime := time.Now()
		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer h.ch.Close()
			return h.dumper.Dump(gCtx, h.ch)
		})
		g.Go(func() error {
			return h.importer.Import(gCtx)
		})
		err := g.Wait()
		if err != nil {
			logger.Error("inventory task failed",
				zap.String("task_id", h.cfg.TaskID),
				zap.String("position", fmt.Sprintf("%v", h.Progress().Position)),
				zap.Error(err))
		} else {
			logger.Info("inventory task completed",
				zap.String("task_id", h.cfg.TaskID),
				zap.Bool("finished", h.Progress().Finished),
				zap.Int64("processed", h.importer.ProcessedRecordCount()),
				zap.String("cost", time.Since(startTime).String()))
		}
		res <- Result{TaskID: h.cfg.TaskID, Err: err, Processed: h.importer.ProcessedRecordCount()}
	}()
	return res
}

// Stop leaves the range unfinished, the acknowledged position resumes it
func (h *History) Stop() {
	h.dumper.Stop()
}

func (h *History) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progressLocked()
}

func (h *History) progressLocked() Progress {
	return Progress{
		TaskID:               h.cfg.TaskID,
		Position:             h.pos,
		ProcessedRecordCount: h.importer.ProcessedRecordCount(),
		MissedCount:          h.importer.MissedCount(),
		Finished:             h.finished,
	}
}

func (h *History) onAck(recs []record.Record) {
	pos := ackedPosition(recs)
	if pos == nil {
		return
	}
	h.mu.Lock()
	h.pos = pos
	if record.IsFinished(recs[len(recs)-1]) {
		h.finished = true
	}
	p := h.progressLocked()
	h.mu.Unlock()

	if h.cfg.OnAck != nil {
		h.cfg.OnAck(p)
	}
}
