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
	"github.com/wentaojin/scaling/pipeline/record"
)

// Realtime streams the source changes to the target through a multiplex
// channel, it only ends when stopped or failed
type Realtime struct {
	cfg    *SyncConfiguration
	source ingest.IncrementalSource
	target database.IDatabase

	dumper    ingest.IncrementalDumper
	ch        *channel.MultiplexChannel
	importers []*importer.Importer

	mu       sync.Mutex
	progress Progress
	started  *atomic.Bool
}

func NewRealtime(cfg *SyncConfiguration, source, target database.IDatabase) (*Realtime, error) {
	src, ok := source.(ingest.IncrementalSource)
	if !ok {
		return nil, fmt.Errorf("the task [%s] source database type [%s] does not support incremental", cfg.TaskID, source.Dialect().DatabaseType())
	}
	if cfg.Importer == nil {
		cfg.Importer = &importer.ImporterConfig{}
	}
	r := &Realtime{
		cfg:      cfg,
		source:   src,
		target:   target,
		progress: Progress{TaskID: cfg.TaskID, Position: cfg.Incremental.Position},
		started:  atomic.NewBool(false),
	}
	return r, nil
}

func (r *Realtime) TaskID() string {
	return r.cfg.TaskID
}

// Prepare captures the current source position when no position is known and builds the dumper
func (r *Realtime) Prepare(ctx context.Context) error {
	if r.cfg.Incremental.Position == nil {
		pos, err := r.source.CurrentPosition(ctx, r.cfg.Incremental)
		if err != nil {
			return fmt.Errorf("the task [%s] capture the incremental position failed: %w", r.cfg.TaskID, err)
		}
		r.cfg.Incremental.Position = pos
		r.mu.Lock()
		r.progress.Position = pos
		r.mu.Unlock()
	}
	dumper, err := r.source.NewIncrementalDumper(r.cfg.Incremental)
	if err != nil {
		return err
	}
	r.dumper = dumper

	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	r.ch = channel.NewMultiplexChannel(concurrency, r.cfg.channelCapacity(), r.onAck)
	r.importers = r.importers[:0]
	for i, lane := range r.ch.Lanes() {
		icfg := *r.cfg.Importer
		icfg.TaskID = fmt.Sprintf("%s-%d", r.cfg.TaskID, i)
		r.importers = append(r.importers, importer.NewImporter(r.target, lane, &icfg))
	}
	return nil
}

func (r *Realtime) Start(ctx context.Context) <-chan Result {
	if r.dumper == nil {
		return deliver(Result{TaskID: r.cfg.TaskID, Err: fmt.Errorf("the task [%s] is not prepared", r.cfg.TaskID)})
	}
	if !r.started.CAS(false, true) {
		return deliver(Result{TaskID: r.cfg.TaskID, Err: fmt.Errorf("the task [%s] is already started", r.cfg.TaskID)})
	}
	res := make(chan Result, 1)
	go func() {
		defer close(res)
		startTime := time.Now()
		logger.Info("incremental task starting",
			zap.String("task_id", r.cfg.TaskID),
			zap.String("position", fmt.Sprintf("%v", r.cfg.Incremental.Position)),
			zap.Int("lanes", len(r.importers)))

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer r.ch.Close()
			return r.dumper.Dump(gCtx, r.ch)
		})
		for _, imp := range r.importers {
			imp := imp
			g.Go(func() error {
				return imp.Import(gCtx)
			})
		}
		err := g.Wait()
		p := r.Progress()
		if err != nil {
			logger.Error("incremental task failed",
				zap.String("task_id", r.cfg.TaskID),
				zap.String("position", fmt.Sprintf("%v", p.Position)),
				zap.Error(err))
		} else {
			logger.Info("incremental task stopped",
				zap.String("task_id", r.cfg.TaskID),
				zap.String("position", fmt.Sprintf("%v", p.Position)),
				zap.Int64("processed", p.ProcessedRecordCount),
				zap.String("cost", time.Since(startTime).String()))
		}
		res <- Result{TaskID: r.cfg.TaskID, Err: err, Processed: p.ProcessedRecordCount}
	}()
	return res
}

func (r *Realtime) Stop() {
	if r.dumper != nil {
		r.dumper.Stop()
	}
}

func (r *Realtime) Progress() Progress {
	r.mu.Lock()
	p := r.progress
	r.mu.Unlock()
	p.ProcessedRecordCount, p.MissedCount = 0, 0
	for _, imp := range r.importers {
		p.ProcessedRecordCount += imp.ProcessedRecordCount()
		p.MissedCount += imp.MissedCount()
	}
	return p
}

// onAck fires in push order once a batch is written by every lane, the
// position is persisted before the source is told it may discard it
func (r *Realtime) onAck(recs []record.Record) {
	pos := ackedPosition(recs)
	if pos == nil {
		return
	}
	r.mu.Lock()
	r.progress.Position = pos
	if t := lastCommitTime(recs); !t.IsZero() {
		r.progress.LastEventTime = t
	}
	r.mu.Unlock()

	if r.cfg.OnAck != nil {
		r.cfg.OnAck(r.Progress())
	}
	if acker, ok := r.dumper.(ingest.PositionAcker); ok {
		acker.AckPosition(pos)
	}
}
