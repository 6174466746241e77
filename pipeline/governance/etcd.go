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
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// EtcdRepository stores the governance data in etcd
type EtcdRepository struct {
	client   *clientv3.Client
	lockTTL  int
	ownsConn bool
}

// NewEtcdRepository wraps an existing client, Close leaves the client open
func NewEtcdRepository(client *clientv3.Client, lockTTL int) *EtcdRepository {
	if lockTTL <= 0 {
		lockTTL = constant.DefaultInstanceKeepaliveTTL
	}
	return &EtcdRepository{client: client, lockTTL: lockTTL}
}

// DialEtcdRepository connects to the endpoints, Close closes the connection
func DialEtcdRepository(ctx context.Context, endpoints []string, ca, cert, key string, lockTTL int) (*EtcdRepository, error) {
	tlsCfg, err := etcdutil.NewTLSConfig(ca, cert, key)
	if err != nil {
		return nil, err
	}
	client, err := etcdutil.CreateClient(ctx, endpoints, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("create governance etcd client [%v] failed: %v", endpoints, err)
	}
	repo := NewEtcdRepository(client, lockTTL)
	repo.ownsConn = true
	return repo, nil
}

func (e *EtcdRepository) Client() *clientv3.Client {
	return e.client
}

func (e *EtcdRepository) Persist(ctx context.Context, key, value string) error {
	if _, err := etcdutil.PutKey(ctx, e.client, key, value); err != nil {
		return fmt.Errorf("persist governance key [%s] failed: %v", key, err)
	}
	return nil
}

func (e *EtcdRepository) Get(ctx context.Context, key string) (string, error) {
	resp, err := etcdutil.GetKey(ctx, e.client, key)
	if err != nil {
		return "", fmt.Errorf("get governance key [%s] failed: %v", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return stringutil.BytesToString(resp.Kvs[0].Value), nil
}

func (e *EtcdRepository) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	resp, err := etcdutil.GetKey(ctx, e.client, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("list governance prefix [%s] failed: %v", prefix, err)
	}
	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{Key: string(kv.Key), Value: string(kv.Value)})
	}
	return kvs, nil
}

func (e *EtcdRepository) Delete(ctx context.Context, key string) error {
	if _, err := etcdutil.DeleteKey(ctx, e.client, key); err != nil {
		return fmt.Errorf("delete governance key [%s] failed: %v", key, err)
	}
	return nil
}

func (e *EtcdRepository) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := etcdutil.DeleteKey(ctx, e.client, prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("delete governance prefix [%s] failed: %v", prefix, err)
	}
	return nil
}

func (e *EtcdRepository) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	resp, err := etcdutil.TxnKey(ctx, e.client,
		[]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)},
		clientv3.OpPut(key, value))
	if err != nil {
		return false, fmt.Errorf("create governance key [%s] failed: %v", key, err)
	}
	return resp.Succeeded, nil
}

// Watch lists the prefix, then watches from the next revision. A broken watch
// channel is re-established from the last observed revision until ctx is done.
func (e *EtcdRepository) Watch(ctx context.Context, prefix string, handler func(Event)) error {
	resp, err := etcdutil.GetKey(ctx, e.client, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("watch governance prefix [%s] list failed: %v", prefix, err)
	}
	for _, kv := range resp.Kvs {
		handler(Event{Type: EventPut, Key: string(kv.Key), Value: string(kv.Value)})
	}
	rev := resp.Header.Revision

	for {
		watchCh := etcdutil.WatchKey(ctx, e.client, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range watchCh {
			if wresp.Err() != nil {
				logger.Error("governance watch failed", zap.String("prefix", prefix), zap.Error(wresp.Err()))
				continue
			}
			for _, ev := range wresp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					handler(Event{Type: EventPut, Key: string(ev.Kv.Key), Value: string(ev.Kv.Value)})
				case mvccpb.DELETE:
					handler(Event{Type: EventDelete, Key: string(ev.Kv.Key)})
				}
			}
			rev = wresp.Header.Revision
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(constant.DefaultInstanceServiceRetryInterval):
			logger.Warn("governance watch channel closed, rewatching", zap.String("prefix", prefix), zap.Int64("revision", rev))
		}
	}
}

func (e *EtcdRepository) Lock(ctx context.Context, key string) (Unlocker, error) {
	m, err := etcdutil.TryLock(ctx, e.client, key, e.lockTTL)
	if err != nil {
		if errors.Is(err, etcdutil.ErrLocked) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return m, nil
}

func (e *EtcdRepository) Close() error {
	if e.ownsConn {
		return e.client.Close()
	}
	return nil
}
