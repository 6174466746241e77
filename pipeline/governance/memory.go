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
package governance

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is an in-process repository used by the standalone server and tests
type MemoryRepository struct {
	mu       sync.Mutex
	data     map[string]string
	locks    map[string]struct{}
	watchers map[int]*memoryWatcher
	nextID   int
}

type memoryWatcher struct {
	prefix string
	signal chan struct{}

	mu     sync.Mutex
	queued []Event
}

func (w *memoryWatcher) enqueue(ev Event) {
	w.mu.Lock()
	w.queued = append(w.queued, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) drain() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	evs := w.queued
	w.queued = nil
	return evs
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data:     make(map[string]string),
		locks:    make(map[string]struct{}),
		watchers: make(map[int]*memoryWatcher),
	}
}

func (m *MemoryRepository) Persist(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.notifyLocked(Event{Type: EventPut, Key: key, Value: value})
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryRepository) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(prefix), nil
}

func (m *MemoryRepository) listLocked(prefix string) []KeyValue {
	var kvs []KeyValue
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

func (m *MemoryRepository) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		delete(m.data, key)
		m.notifyLocked(Event{Type: EventDelete, Key: key})
	}
	return nil
}

func (m *MemoryRepository) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range m.listLocked(prefix) {
		delete(m.data, kv.Key)
		m.notifyLocked(Event{Type: EventDelete, Key: kv.Key})
	}
	return nil
}

func (m *MemoryRepository) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	m.notifyLocked(Event{Type: EventPut, Key: key, Value: value})
	return true, nil
}

// Watch queues events per watcher, a slow handler never blocks writers
func (m *MemoryRepository) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	m.mu.Lock()
	w := &memoryWatcher{prefix: prefix, signal: make(chan struct{}, 1)}
	id := m.nextID
	m.nextID++
	existing := m.listLocked(prefix)
	m.watchers[id] = w
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	for _, kv := range existing {
		handler(Event{Type: EventPut, Key: kv.Key, Value: kv.Value})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.signal:
			for _, ev := range w.drain() {
				handler(ev)
			}
		}
	}
}

func (m *MemoryRepository) notifyLocked(ev Event) {
	for _, w := range m.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.enqueue(ev)
		}
	}
}

func (m *MemoryRepository) Lock(ctx context.Context, key string) (Unlocker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[key]; ok {
		return nil, ErrLocked
	}
	m.locks[key] = struct{}{}
	return &memoryLock{repo: m, key: key}, nil
}

type memoryLock struct {
	repo *MemoryRepository
	key  string
	once sync.Once
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		l.repo.mu.Lock()
		delete(l.repo.locks, l.key)
		l.repo.mu.Unlock()
	})
	return nil
}

func (m *MemoryRepository) Close() error {
	return nil
}
