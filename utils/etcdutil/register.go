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
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Instance is the value registered under the instance prefix key for each running server
type Instance struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	StartTime string `json:"startTime"`
}

func (i *Instance) String() string {
	jsonStr, _ := stringutil.MarshalJSON(i)
	return jsonStr
}

type Register struct {
	key          string // register key
	value        string // register value
	keepaliveTTL int64  // lease
	etcdClient   *clientv3.Client
	leaseID      clientv3.LeaseID
}

func NewServiceRegister(etcdCli *clientv3.Client, ins *Instance, keepaliveTTL int64) *Register {
	return &Register{
		etcdClient:   etcdCli,
		key:          stringutil.StringBuilder(constant.DefaultInstanceRegisterPrefixKey, ins.Name),
		value:        ins.String(),
		keepaliveTTL: keepaliveTTL,
	}
}

func (r *Register) Register(ctx context.Context) (err error) {
	// set lease time, send ping to keep alive
	grantResp, err := r.etcdClient.Grant(ctx, r.keepaliveTTL)
	if err != nil {
		return fmt.Errorf("grant lease [%d] failed: [%v]", r.keepaliveTTL, err)
	}
	r.leaseID = grantResp.ID

	_, err = PutKey(ctx, r.etcdClient, r.key, r.value, clientv3.WithLease(r.leaseID))
	if err != nil {
		return fmt.Errorf("put key [%s] value [%s] failed: [%v]", r.key, r.value, err)
	}

	logger.Info("register instance operate",
		zap.String("key", r.key),
		zap.String("value", r.value),
		zap.String("status", "new create success"))

	go r.keepAlive(ctx)
	return nil
}

func (r *Register) Revoke(ctx context.Context) error {
	_, err := r.etcdClient.Revoke(ctx, r.leaseID)
	if err != nil {
		return fmt.Errorf("revoke lease failed: [%v]", err)
	}
	logger.Warn("instance revoke lease", zap.String("key", r.key), zap.String("value", r.value))
	return nil
}

// keepAlive renews the lease until ctx is done, a broken keepalive stream is retried
func (r *Register) keepAlive(ctx context.Context) {
	for {
		cancelCtx, cancelFunc := context.WithCancel(ctx)
		keepAliveRespCh, err := r.etcdClient.KeepAlive(cancelCtx, r.leaseID)
		if err != nil {
			logger.Error("renew lease keepalive failed, it would be retrying", zap.String("key", r.key), zap.Error(err))
		} else {
			for resp := range keepAliveRespCh {
				if resp == nil {
					break
				}
			}
		}
		cancelFunc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(constant.DefaultInstanceServiceRetryInterval):
		}

		// the lease may have expired while the stream was broken, register again
		if err = r.Register(ctx); err != nil {
			logger.Error("re-register instance failed, it would be retrying", zap.String("key", r.key), zap.Error(err))
			continue
		}
		return
	}
}

// ListInstances returns the alive instances registered under the instance prefix key
func ListInstances(ctx context.Context, client *clientv3.Client) ([]*Instance, error) {
	resp, err := GetKey(ctx, client, constant.DefaultInstanceRegisterPrefixKey, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var instances []*Instance
	for _, kv := range resp.Kvs {
		var ins *Instance
		if err = stringutil.UnmarshalJSON(kv.Value, &ins); err != nil {
			return nil, fmt.Errorf("json unmarshal instance [%s] failed: %v", stringutil.BytesToString(kv.Value), err)
		}
		instances = append(instances, ins)
	}
	return instances, nil
}
