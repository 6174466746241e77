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
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("governance key not found")
	// ErrLocked is returned by Lock when another holder owns the lock
	ErrLocked = errors.New("governance lock is held by another instance")
)

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

// Event is a key change observed by Watch
type Event struct {
	Type  EventType
	Key   string
	Value string
}

// KeyValue is one stored entry
type KeyValue struct {
	Key   string
	Value string
}

// Unlocker releases a lock taken by Repository.Lock
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Repository is the shared key-value store holding job configuration,
// per-item progress and check results. Writes are last-writer-wins.
type Repository interface {
	Persist(ctx context.Context, key, value string) error
	// Get returns ErrNotFound for a missing key
	Get(ctx context.Context, key string) (string, error)
	// List returns the entries under the prefix sorted by key
	List(ctx context.Context, prefix string) ([]KeyValue, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// CreateIfAbsent stores the value only when the key is missing and reports whether it did
	CreateIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Watch replays the existing entries under the prefix as put events, then
	// delivers every later change until ctx is done
	Watch(ctx context.Context, prefix string, handler func(Event)) error
	// Lock takes a non-blocking exclusive lock, ErrLocked when held elsewhere
	Lock(ctx context.Context, key string) (Unlocker, error)
	Close() error
}
