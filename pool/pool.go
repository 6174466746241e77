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
	"sync"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// ErrTaskCanceled is the result of a task interrupted by the pool context
var ErrTaskCanceled = errors.New("the pool task is canceled")

type IPool interface {
	// SubmitTask adds a task to the pool, it blocks while the task queue is full
	SubmitTask(t Task)
	// Wait blocks until every submitted task completed and its result was handled
	Wait()
	// Release waits for the submitted tasks and stops the workers, the pool is unusable afterwards
	Release()
	RunningWorkerCount() int
	FreeWorkerCount() int
}

// Task is a unit of work of a pool, Job carries the payload of the execute handle
type Task struct {
	Name  string `json:"name"`
	Group string `json:"group"`
	Job   any    `json:"-"`
}

func (t Task) String() string {
	jsonStr, _ := stringutil.MarshalJSON(t)
	return jsonStr
}

type Result struct {
	Task  Task
	Error error
}

type pool struct {
	maxWorkers int
	// workerStack holds the free workers
	workerStack []int
	workers     []*worker
	// tasks are added to this channel first, then dispatched to workers
	taskQueue     chan Task
	taskQueueSize int
	pending       sync.WaitGroup

	resultCallback   func(r Result)
	retryCount       int
	panicHandle      bool
	executeHandleFn  func(ctx context.Context, t Task) error
	canceledHandleFn func(ctx context.Context, t Task) error

	ctx  context.Context
	lock sync.Locker
	// cond signals a worker pushed back onto the stack
	cond *sync.Cond
}

// NewPool creates a pool of maxWorkers workers bound to ctx
func NewPool(ctx context.Context, maxWorkers int, opts ...Option) IPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	p := &pool{
		maxWorkers:    maxWorkers,
		taskQueueSize: constant.DefaultTaskQueueChannelSize,
		lock:          new(sync.Mutex),
		ctx:           ctx,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.taskQueue = make(chan Task, p.taskQueueSize)
	p.workers = make([]*worker, p.maxWorkers)
	p.workerStack = make([]int, p.maxWorkers)
	p.cond = sync.NewCond(p.lock)

	for i := 0; i < p.maxWorkers; i++ {
		w := newWorker()
		p.workers[i] = w
		p.workerStack[i] = i
		w.start(p, i)
	}

	go p.dispatch()
	return p
}

func (p *pool) SubmitTask(t Task) {
	p.pending.Add(1)
	p.taskQueue <- t
}

func (p *pool) Wait() {
	p.pending.Wait()
}

func (p *pool) RunningWorkerCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.workers) - len(p.workerStack)
}

func (p *pool) FreeWorkerCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.workerStack)
}

func (p *pool) Release() {
	p.pending.Wait()
	close(p.taskQueue)
	p.cond.L.Lock()
	for len(p.workerStack) != p.maxWorkers {
		p.cond.Wait()
	}
	p.cond.L.Unlock()
	for _, w := range p.workers {
		close(w.taskQueue)
	}
}

// dispatch hands every queued task to the next free worker
func (p *pool) dispatch() {
	for t := range p.taskQueue {
		p.cond.L.Lock()
		for len(p.workerStack) == 0 {
			p.cond.Wait()
		}
		workerIndex := p.workerStack[len(p.workerStack)-1]
		p.workerStack = p.workerStack[:len(p.workerStack)-1]
		p.cond.L.Unlock()
		p.workers[workerIndex].taskQueue <- t
	}
}

func (p *pool) pushWorker(workerIndex int) {
	p.lock.Lock()
	p.workerStack = append(p.workerStack, workerIndex)
	p.lock.Unlock()
	p.cond.Broadcast()
}
