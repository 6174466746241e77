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
package pool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
)

type worker struct {
	taskQueue chan Task
}

func newWorker() *worker {
	return &worker{taskQueue: make(chan Task, 1)}
}

// start runs the tasks handed to the worker until its queue is closed, the
// worker goes back onto the free stack after every task
func (w *worker) start(p *pool, thread int) {
	go func() {
		for t := range w.taskQueue {
			w.handleResult(t, p, w.executeWithRetry(p, t))
			p.pending.Done()
			p.pushWorker(thread)
		}
	}()
}

// executeWithRetry runs the task, a failed task is retried retryCount times
// unless the pool context is done
func (w *worker) executeWithRetry(p *pool, t Task) error {
	err := w.execute(p, t)
	for i := 0; err != nil && !errors.Is(err, ErrTaskCanceled) && i < p.retryCount; i++ {
		logger.Warn("the pool task retrying",
			zap.String("task", t.Name),
			zap.Int("attempt", i+1),
			zap.Error(err))
		err = w.execute(p, t)
	}
	if errors.Is(err, ErrTaskCanceled) && p.canceledHandleFn != nil {
		return p.canceledHandleFn(context.WithoutCancel(p.ctx), t)
	}
	return err
}

func (w *worker) execute(p *pool, t Task) (err error) {
	if p.executeHandleFn == nil {
		return nil
	}
	if p.ctx.Err() != nil {
		return ErrTaskCanceled
	}
	if p.panicHandle {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("the worker running the task panic",
					zap.String("task", t.String()),
					zap.Any("panic", r))
				err = fmt.Errorf("the task [%s] panic: %v", t.Name, r)
			}
		}()
	}
	err = p.executeHandleFn(p.ctx, t)
	if err != nil && p.ctx.Err() != nil {
		logger.Error("the worker task had been canceled", zap.String("task", t.Name), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTaskCanceled, err)
	}
	return err
}

func (w *worker) handleResult(t Task, p *pool, err error) {
	if p.resultCallback == nil {
		return
	}
	p.resultCallback(Result{
		Task:  t,
		Error: err,
	})
}
