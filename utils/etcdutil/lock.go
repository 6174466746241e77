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
package etcdutil

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
)

// ErrLocked is returned when the lock is held by another session
var ErrLocked = errors.New("the lock is held by another instance")

// Mutex is a session bound distributed lock, the lock is released
// when the holder calls Unlock or its session lease expires
type Mutex struct {
	key     string
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// TryLock acquires the lock without waiting, ErrLocked is returned when it is held elsewhere
func TryLock(ctx context.Context, client *clientv3.Client, key string, ttl int) (*Mutex, error) {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("etcd lock create session failed: [%v]", err)
	}
	m := concurrency.NewMutex(session, key)
	if err = m.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("etcd try lock [%s] failed: [%v]", key, err)
	}
	logger.Debug("etcd lock acquired", zap.String("key", key))
	return &Mutex{key: key, session: session, mutex: m}, nil
}

// Done is closed when the lock session expires
func (m *Mutex) Done() <-chan struct{} {
	return m.session.Done()
}

func (m *Mutex) Unlock(ctx context.Context) error {
	defer m.session.Close()
	if err := m.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("etcd unlock [%s] failed: [%v]", m.key, err)
	}
	logger.Debug("etcd lock released", zap.String("key", m.key))
	return nil
}
