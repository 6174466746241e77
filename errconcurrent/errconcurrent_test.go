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
package errconcurrent

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupCollectsFailuresWithoutCancel(t *testing.T) {
	g := NewGroup()
	g.SetLimit(2)

	var (
		running  int32
		peak     int32
		finished int32
	)
	for i := 0; i < 6; i++ {
		g.Go(i, func(t interface{}) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&finished, 1)

			switch t.(int) {
			case 1:
				return errors.New("range 1 failed")
			case 4:
				panic("range 4 panic")
			}
			return nil
		})
	}
	results := g.Wait()

	if finished != 6 {
		t.Errorf("finished = %d, want every task to run", finished)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
	if len(results) != 2 {
		t.Fatalf("got %d failures, want 2", len(results))
	}
	failed := map[int]bool{}
	for _, r := range results {
		failed[r.Task.(int)] = true
	}
	if !failed[1] || !failed[4] {
		t.Errorf("failed tasks = %v, want 1 and 4", failed)
	}
}

func TestGroupWithoutLimit(t *testing.T) {
	g := NewGroup()
	g.Go("a", func(interface{}) error { return nil })
	if results := g.Wait(); len(results) != 0 {
		t.Errorf("got %v, want no failures", results)
	}
}
