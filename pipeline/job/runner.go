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
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	modeltask "github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Runner runs the sharding items of the jobs started in this process. An
// item runs only where its governance lock is held.
type Runner struct {
	api       *governance.JobAPI
	executors map[string]Executor
	// logRW is optional, failures are written to the metadata database when set
	logRW modeltask.ILog

	mu   sync.Mutex
	jobs map[string]*runningJob
}

type runningJob struct {
	cfg    *Configuration
	cancel context.CancelFunc
	items  []*ItemContext
	done   chan struct{}
}

func NewRunner(api *governance.JobAPI, executors map[string]Executor, logRW modeltask.ILog) *Runner {
	return &Runner{
		api:       api,
		executors: executors,
		logRW:     logRW,
		jobs:      make(map[string]*runningJob),
	}
}

// LoadItemProgresses reads the persisted progress of every item of a job
func LoadItemProgresses(ctx context.Context, api *governance.JobAPI, jobID string) (map[int]*ItemProgress, error) {
	raw, err := api.ListItemProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	progresses := make(map[int]*ItemProgress, len(raw))
	for _, item := range governance.ItemKeys(raw) {
		p, err := UnmarshalItemProgress(raw[item])
		if err != nil {
			return nil, fmt.Errorf("the job [%s] sharding item [%d]: %v", jobID, item, err)
		}
		progresses[item] = p
	}
	return progresses, nil
}

// Start locks and runs every unfinished item of the job in the background,
// starting a running job is a no-op
func (r *Runner) Start(ctx context.Context, cfg *Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[cfg.JobID]; ok {
		return nil
	}
	exec, ok := r.executors[cfg.JobType]
	if !ok {
		return fmt.Errorf("the job [%s] type [%s] has no executor", cfg.JobID, cfg.JobType)
	}
	progresses, err := LoadItemProgresses(ctx, r.api, cfg.JobID)
	if err != nil {
		return err
	}

	var (
		items    []*ItemContext
		unlocker []governance.Unlocker
	)
	releaseAll := func() {
		for _, u := range unlocker {
			_ = u.Unlock(context.WithoutCancel(ctx))
		}
	}
	for i := 0; i < cfg.ShardingCount; i++ {
		if p, ok := progresses[i]; ok && p.Status == constant.JobStatusFinished {
			continue
		}
		u, err := r.api.LockItem(ctx, cfg.JobID, i)
		if err != nil {
			releaseAll()
			return fmt.Errorf("lock the job [%s] sharding item [%d] failed: %w", cfg.JobID, i, err)
		}
		unlocker = append(unlocker, u)
		items = append(items, NewItemContext(r.api, cfg, i, progresses[i]))
	}
	if len(items) == 0 {
		logger.Info("the job has no unfinished sharding item", zap.String("job_id", cfg.JobID))
		return nil
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rj := &runningJob{cfg: cfg, cancel: cancel, items: items, done: make(chan struct{})}
	r.jobs[cfg.JobID] = rj

	var wg sync.WaitGroup
	for n, item := range items {
		wg.Add(1)
		go func(item *ItemContext, u governance.Unlocker) {
			defer wg.Done()
			defer func() {
				if err := u.Unlock(context.WithoutCancel(jobCtx)); err != nil {
					logger.Warn("unlock the job sharding item failed",
						zap.String("job_id", item.JobID),
						zap.Int("sharding_item", item.ShardingItem),
						zap.Error(err))
				}
			}()
			r.run(jobCtx, exec, item)
		}(item, unlocker[n])
	}
	go func() {
		wg.Wait()
		cancel()
		r.mu.Lock()
		if r.jobs[cfg.JobID] == rj {
			delete(r.jobs, cfg.JobID)
		}
		r.mu.Unlock()
		close(rj.done)
	}()

	logger.Info("the job started",
		zap.String("job_id", cfg.JobID),
		zap.String("job_type", cfg.JobType),
		zap.Int("items", len(items)))
	return nil
}

func (r *Runner) run(ctx context.Context, exec Executor, item *ItemContext) {
	persistCtx := context.WithoutCancel(ctx)
	defer r.handlePanicRecover(persistCtx, item)

	startTime := time.Now()
	err := exec.Execute(ctx, item)
	if item.Stopping() {
		if err != nil {
			logger.Warn("the stopped job sharding item returned",
				zap.String("job_id", item.JobID),
				zap.Int("sharding_item", item.ShardingItem),
				zap.Error(err))
		}
		if item.Status() == constant.JobStatusStopping {
			if err = item.SetStatus(persistCtx, constant.JobStatusStopped); err != nil {
				logger.Error("persist the job sharding item stopped failed",
					zap.String("job_id", item.JobID),
					zap.Int("sharding_item", item.ShardingItem),
					zap.Error(err))
			}
		}
		return
	}
	if err != nil {
		if ferr := item.Fail(persistCtx, err); ferr != nil {
			logger.Error("persist the job sharding item failure failed",
				zap.String("job_id", item.JobID),
				zap.Int("sharding_item", item.ShardingItem),
				zap.Error(ferr))
		}
		r.writeLog(persistCtx, item, "ERROR", fmt.Sprintf("%v the job [%s] sharding item [%d] failed, error: [%v]",
			stringutil.CurrentTimeFormatString(), item.JobID, item.ShardingItem, err))
		return
	}
	logger.Info("the job sharding item returned",
		zap.String("job_id", item.JobID),
		zap.Int("sharding_item", item.ShardingItem),
		zap.String("status", item.Status()),
		zap.String("cost", time.Since(startTime).String()))
}

func (r *Runner) handlePanicRecover(ctx context.Context, item *ItemContext) {
	if rec := recover(); rec != nil {
		err := item.Fail(ctx, fmt.Errorf("the job sharding item panic: %v", rec))
		r.writeLog(ctx, item, "PANIC", fmt.Sprintf("%v the job [%s] sharding item [%d] panic: [%v], stack: %v",
			stringutil.CurrentTimeFormatString(), item.JobID, item.ShardingItem, rec, stringutil.BytesToString(debug.Stack())))
		logger.Error("the job sharding item panic",
			zap.String("job_id", item.JobID),
			zap.Int("sharding_item", item.ShardingItem),
			zap.Any("panic", rec),
			zap.Any("stack", stringutil.BytesToString(debug.Stack())),
			zap.Error(err))
	}
}

func (r *Runner) writeLog(ctx context.Context, item *ItemContext, level, detail string) {
	if r.logRW == nil {
		return
	}
	_, err := r.logRW.CreateLog(ctx, &modeltask.Log{
		JobID:        item.JobID,
		ShardingItem: item.ShardingItem,
		LogLevel:     level,
		LogDetail:    detail,
	})
	if err != nil {
		logger.Warn("write the job log failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

// Stop moves the running items to STOPPING, stops their tasks and waits for
// them to persist STOPPED. Stopping a job not running here is a no-op.
func (r *Runner) Stop(ctx context.Context, jobID string) error {
	r.mu.Lock()
	rj, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	for _, item := range rj.items {
		if CanTransition(item.Status(), constant.JobStatusStopping) {
			if err := item.SetStatus(ctx, constant.JobStatusStopping); err != nil && !errors.Is(err, ErrIllegalStatusTransition) {
				return err
			}
		}
		item.Stop()
	}
	select {
	case <-rj.done:
	case <-ctx.Done():
		rj.cancel()
		<-rj.done
	}
	logger.Info("the job stopped", zap.String("job_id", jobID))
	return nil
}

// Wait blocks until the job is no longer running here
func (r *Runner) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	rj, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// RunningJobs returns the ids of the jobs running here, sorted
func (r *Runner) RunningJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Items returns the running item contexts of a job
func (r *Runner) Items(jobID string) []*ItemContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		return rj.items
	}
	return nil
}

// Close stops every running job
func (r *Runner) Close(ctx context.Context) {
	for _, id := range r.RunningJobs() {
		if err := r.Stop(ctx, id); err != nil {
			logger.Warn("stop the job failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}
