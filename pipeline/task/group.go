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
	"sort"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/errconcurrent"
	"github.com/wentaojin/scaling/logger"
)

// HistoryGroup runs inventory tasks with bounded concurrency. A failed child
// does not stop its siblings, the group fails once every child returned.
type HistoryGroup struct {
	taskID      string
	concurrency int
	children    []SyncTask

	started  *atomic.Bool
	stopping *atomic.Bool
}

func NewHistoryGroup(taskID string, concurrency int, children ...SyncTask) *HistoryGroup {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &HistoryGroup{
		taskID:      taskID,
		concurrency: concurrency,
		children:    children,
		started:     atomic.NewBool(false),
		stopping:    atomic.NewBool(false),
	}
}

func (g *HistoryGroup) TaskID() string {
	return g.taskID
}

func (g *HistoryGroup) Prepare(ctx context.Context) error {
	for _, c := range g.children {
		if err := c.Prepare(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *HistoryGroup) Start(ctx context.Context) <-chan Result {
	if !g.started.CAS(false, true) {
		return deliver(Result{TaskID: g.taskID, Err: fmt.Errorf("the task [%s] is already started", g.taskID)})
	}
	res := make(chan Result, 1)
	go func() {
		defer close(res)
		startTime := time.Now()

		eg := errconcurrent.NewGroup()
		eg.SetLimit(g.concurrency)
		for _, c := range g.children {
			if g.stopping.Load() || ctx.Err() != nil {
				break
			}
			eg.Go(c, func(t interface{}) error {
				child := t.(SyncTask)
				if g.stopping.Load() {
					return nil
				}
				r := <-child.Start(ctx)
				return r.Err
			})
		}

		failed := eg.Wait()
		result := Result{TaskID: g.taskID, Processed: g.Progress().ProcessedRecordCount}
		if len(failed) > 0 {
			result.Failures = make(map[string]error, len(failed))
			var ids []string
			for _, f := range failed {
				id := f.Task.(SyncTask).TaskID()
				result.Failures[id] = f.Err
				ids = append(ids, id)
			}
			sort.Strings(ids)
			result.Err = fmt.Errorf("the task [%s] children [%s] failed, first error: %v",
				g.taskID, strings.Join(ids, ","), result.Failures[ids[0]])
			logger.Error("inventory task group failed",
				zap.String("task_id", g.taskID),
				zap.Strings("failed", ids),
				zap.Error(result.Err))
		} else {
			logger.Info("inventory task group completed",
				zap.String("task_id", g.taskID),
				zap.Int("children", len(g.children)),
				zap.Bool("finished", g.Progress().Finished),
				zap.String("cost", time.Since(startTime).String()))
		}
		res <- result
	}()
	return res
}

// Stop stops the running children, the pending ones are not started
func (g *HistoryGroup) Stop() {
	g.stopping.Store(true)
	for _, c := range g.children {
		c.Stop()
	}
}

// Progress sums the children, the group is finished when every child is
func (g *HistoryGroup) Progress() Progress {
	p := Progress{TaskID: g.taskID, Finished: true}
	for _, c := range g.children {
		cp := c.Progress()
		p.ProcessedRecordCount += cp.ProcessedRecordCount
		p.MissedCount += cp.MissedCount
		if !cp.Finished {
			p.Finished = false
		}
	}
	return p
}

// Children returns the tasks of the group
func (g *HistoryGroup) Children() []SyncTask {
	return g.children
}
