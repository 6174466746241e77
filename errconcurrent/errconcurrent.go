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
	"fmt"
	"sync"
)

type token struct{}

// A Group runs functions concurrently up to a limit and collects every
// failure. Unlike errgroup, a failed function never cancels the others.
type Group struct {
	wg sync.WaitGroup

	sem chan token

	mu      sync.Mutex
	results []Result
}

// A Result is a failed function of the group
type Result struct {
	Task interface{}
	Err  error
}

func NewGroup() *Group {
	return &Group{}
}

func (g *Group) done() {
	if g.sem != nil {
		<-g.sem
	}
	g.wg.Done()
}

// Wait blocks until every function returned and hands out the failures in completion order
func (g *Group) Wait() []Result {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.results
}

// Go calls f(t) in a new goroutine, it blocks while the group runs limit functions.
// A panic of f is reported as the failure of t.
func (g *Group) Go(t interface{}, f func(t interface{}) error) {
	if g.sem != nil {
		g.sem <- token{}
	}

	g.wg.Add(1)
	go func(t interface{}) {
		defer g.done()

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("the task panic: %v", r)
				}
			}()
			return f(t)
		}()
		if err != nil {
			g.mu.Lock()
			g.results = append(g.results, Result{
				Task: t,
				Err:  err,
			})
			g.mu.Unlock()
		}
	}(t)
}

// SetLimit limits the number of active goroutines in this group to at most n.
// A negative value indicates no limit.
//
// The limit must not be modified while any goroutines in the group are active.
func (g *Group) SetLimit(n int) {
	if n < 0 {
		g.sem = nil
		return
	}
	if len(g.sem) != 0 {
		panic(fmt.Errorf("errconcurrent: modify limit while %v goroutines in the group are still active", len(g.sem)))
	}
	g.sem = make(chan token, n)
}
