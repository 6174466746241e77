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
	"sort"
	"sync"
	"testing"

	"go.uber.org/atomic"
)

func TestPoolRetryAndResults(t *testing.T) {
	var (
		mu      sync.Mutex
		results = make(map[string]error)
		tries   = atomic.NewInt32(0)
	)
	p := NewPool(context.Background(), 2,
		WithRetryCount(1),
		WithPanicHandle(true),
		WithExecuteHandle(func(ctx context.Context, t Task) error {
			switch t.Name {
			case "flaky":
				if tries.Inc() == 1 {
					return errors.New("transient")
				}
			case "broken":
				return errors.New("permanent")
			case "panic":
				panic("boom")
			}
			return nil
		}),
		WithResultCallback(func(r Result) {
			mu.Lock()
			results[r.Task.Name] = r.Error
			mu.Unlock()
		}))
	for _, name := range []string{"ok", "flaky", "broken", "panic"} {
		p.SubmitTask(Task{Name: name, Group: "check"})
	}
	p.Wait()
	p.Release()

	var failed []string
	for name, err := range results {
		if err != nil {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	if len(results) != 4 || len(failed) != 2 || failed[0] != "broken" || failed[1] != "panic" {
		t.Errorf("results = %v", results)
	}
	if tries.Load() != 2 {
		t.Errorf("flaky task tries = %d, want 2", tries.Load())
	}
}

func TestPoolCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var canceled atomic.Int32
	p := NewPool(ctx, 1,
		WithExecuteHandle(func(ctx context.Context, t Task) error { return nil }),
		WithCanceledHandle(func(ctx context.Context, t Task) error {
			canceled.Inc()
			return ErrTaskCanceled
		}))
	p.SubmitTask(Task{Name: "a"})
	p.SubmitTask(Task{Name: "b"})
	p.Release()
	if canceled.Load() != 2 {
		t.Errorf("canceled = %d, want 2", canceled.Load())
	}
	if p.FreeWorkerCount() != 1 || p.RunningWorkerCount() != 0 {
		t.Errorf("free = %d running = %d", p.FreeWorkerCount(), p.RunningWorkerCount())
	}
}
