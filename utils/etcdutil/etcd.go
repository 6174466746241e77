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
	"fmt"
	"net"
	"path/filepath"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Embed etcd server, used as the governance store of a standalone scaling server
type Embed interface {
	Init(opts ...configutil.EmbedOption) (err error)
	Run() (err error)
	ClientEndpoints() []string
	Close()
}

type Etcd struct {
	Options *configutil.EmbedOptions
	Srv     *embed.Etcd
	Config  *embed.Config
}

func NewETCDServer() Embed {
	return new(Etcd)
}

// Init inits embed etcd start config
func (e *Etcd) Init(opts ...configutil.EmbedOption) (err error) {
	e.Options = configutil.DefaultEmbedConfig()
	for _, opt := range opts {
		opt(e.Options)
	}

	cfg := embed.NewConfig()
	cfg.LogLevel = e.Options.LogLevel
	if e.Options.Logger != nil {
		cfg.ZapLoggerBuilder = embed.NewZapLoggerBuilder(e.Options.Logger)
		cfg.Logger = "zap"
		if err = cfg.ZapLoggerBuilder(cfg); err != nil {
			return fmt.Errorf("embed etcd setup logger failed: [%v]", err)
		}
	}

	host, port, err := net.SplitHostPort(e.Options.ClientAddr)
	if err != nil {
		return fmt.Errorf("net split addr [%s] host port failed: [%v]", e.Options.ClientAddr, err)
	}
	if host == "" || host == "0.0.0.0" || len(port) == 0 {
		return fmt.Errorf("embed client-addr (%s) must include the 'host' part (should not be '0.0.0.0')", e.Options.ClientAddr)
	}

	cfg.Name = e.Options.Name
	cfg.Dir = filepath.Join(e.Options.DataDir, fmt.Sprintf("%s.%s", configutil.DefaultEmbedNamePrefix, cfg.Name))
	cfg.InitialCluster = e.Options.InitialCluster
	cfg.ClusterState = e.Options.InitialClusterState
	cfg.AutoCompactionMode = e.Options.AutoCompactionMode
	cfg.AutoCompactionRetention = e.Options.AutoCompactionRetention
	cfg.QuotaBackendBytes = e.Options.QuotaBackendBytes
	cfg.MaxTxnOps = e.Options.MaxTxnOps
	cfg.MaxRequestBytes = e.Options.MaxRequestBytes

	if cfg.ListenClientUrls, err = types.NewURLs(stringutil.WrapSchemes(e.Options.ClientAddr, false)); err != nil {
		return fmt.Errorf("etcd types [%s] listen client urls failed: [%v]", e.Options.ClientAddr, err)
	}
	if cfg.AdvertiseClientUrls, err = types.NewURLs(stringutil.WrapSchemes(e.Options.ClientAddr, false)); err != nil {
		return fmt.Errorf("etcd types [%s] advertise client urls failed: [%v]", e.Options.ClientAddr, err)
	}
	if cfg.ListenPeerUrls, err = types.NewURLs(stringutil.WrapSchemes(e.Options.PeerAddr, false)); err != nil {
		return fmt.Errorf("etcd types [%s] listen peer urls failed: [%v]", e.Options.PeerAddr, err)
	}
	if cfg.AdvertisePeerUrls, err = types.NewURLs(stringutil.WrapSchemes(e.Options.PeerAddr, false)); err != nil {
		return fmt.Errorf("etcd types [%s] advertise peer urls failed: [%v]", e.Options.PeerAddr, err)
	}

	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("validate embed etcd config failed: [%v]", err)
	}
	e.Config = cfg
	return nil
}

// Run starts an embedded etcd server.
func (e *Etcd) Run() (err error) {
	e.Srv, err = embed.StartEtcd(e.Config)
	if err != nil {
		return fmt.Errorf("start etcd server failed: [%v]", err)
	}

	select {
	case <-e.Srv.Server.ReadyNotify():
		logger.Info("start embed etcd server success, the server is ready",
			zap.String("name", e.Config.Name),
			zap.String("dir", e.Config.Dir),
			zap.String("client-addr", e.Options.ClientAddr))
	case <-time.After(time.Duration(e.Options.StartTimeout) * time.Second):
		// e.Close would block while the server is still serving, only stop the raft server
		e.Srv.Server.Stop()
		return fmt.Errorf("start etcd server timeout %v", e.Options.StartTimeout)
	}
	return nil
}

func (e *Etcd) ClientEndpoints() []string {
	return stringutil.WrapSchemes(e.Options.ClientAddr, false)
}

func (e *Etcd) Close() {
	if e.Srv != nil {
		e.Srv.Close()
	}
}
