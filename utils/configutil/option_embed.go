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
package configutil

import (
	"fmt"
	"strings"

	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/utils/constant"
)

const (
	DefaultEmbedNamePrefix              = "scaling"
	DefaultEmbedAutoCompactionMode      = "periodic"
	DefaultEmbedAutoCompactionRetention = "1h"
	DefaultEmbedMaxTxnOps               = 2048
	DefaultEmbedQuotaBackendBytes       = 2 * 1024 * 1024 * 1024 // 2GB
	DefaultEmbedMaxRequestBytes         = 1.5 * 1024 * 1024
	DefaultEmbedStartTimeoutSecond      = 60
	DefaultEmbedLogLevel                = "warn"
)

// EmbedOptions embedded etcd server relative config items, used by the standalone server
type EmbedOptions struct {
	Name                string `toml:"name" json:"name"`
	DataDir             string `toml:"data-dir" json:"data-dir"`
	ClientAddr          string `toml:"client-addr" json:"client-addr"`
	PeerAddr            string `toml:"peer-addr" json:"peer-addr"`
	InitialCluster      string `toml:"initial-cluster" json:"initial-cluster"`
	InitialClusterState string `toml:"initial-cluster-state" json:"initial-cluster-state"`

	MaxTxnOps               uint   `toml:"max-txn-ops" json:"max-txn-ops"`
	MaxRequestBytes         uint   `toml:"max-request-bytes" json:"max-request-bytes"`
	AutoCompactionMode      string `toml:"auto-compaction-mode" json:"auto-compaction-mode"`
	AutoCompactionRetention string `toml:"auto-compaction-retention" json:"auto-compaction-retention"`
	QuotaBackendBytes       int64  `toml:"quota-backend-bytes" json:"quota-backend-bytes"`

	// time waiting for etcd to be started.
	StartTimeout int    `toml:"start-timeout" json:"start-timeout"`
	LogLevel     string `toml:"log-level" json:"log-level"`

	Logger *zap.Logger `toml:"-" json:"-"`
}

type EmbedOption func(opts *EmbedOptions)

func DefaultEmbedConfig() *EmbedOptions {
	return &EmbedOptions{
		Name:                    DefaultEmbedNamePrefix,
		DataDir:                 constant.DefaultServerEmbedDataDir,
		ClientAddr:              constant.DefaultServerEmbedClientAddr,
		PeerAddr:                constant.DefaultServerEmbedPeerAddr,
		InitialCluster:          fmt.Sprintf("%s=http://%s", DefaultEmbedNamePrefix, constant.DefaultServerEmbedPeerAddr),
		InitialClusterState:     embed.ClusterStateFlagNew,
		MaxTxnOps:               DefaultEmbedMaxTxnOps,
		MaxRequestBytes:         DefaultEmbedMaxRequestBytes,
		AutoCompactionMode:      DefaultEmbedAutoCompactionMode,
		AutoCompactionRetention: DefaultEmbedAutoCompactionRetention,
		QuotaBackendBytes:       DefaultEmbedQuotaBackendBytes,
		StartTimeout:            DefaultEmbedStartTimeoutSecond,
		LogLevel:                DefaultEmbedLogLevel,
	}
}

func WithEmbedName(name string) EmbedOption {
	return func(opts *EmbedOptions) {
		if name != "" {
			opts.Name = name
		}
	}
}

func WithEmbedDir(dir string) EmbedOption {
	return func(opts *EmbedOptions) {
		if dir != "" {
			opts.DataDir = dir
		}
	}
}

func WithEmbedClientAddr(addr string) EmbedOption {
	return func(opts *EmbedOptions) {
		if addr != "" {
			opts.ClientAddr = addr
		}
	}
}

func WithEmbedPeerAddr(addr string) EmbedOption {
	return func(opts *EmbedOptions) {
		if addr != "" {
			opts.PeerAddr = addr
			opts.InitialCluster = fmt.Sprintf("%s=http://%s", opts.Name, addr)
		}
	}
}

func WithEmbedClusterState(state string) EmbedOption {
	return func(opts *EmbedOptions) {
		// "new" or "existing"
		if strings.HasPrefix(state, "exist") {
			opts.InitialClusterState = embed.ClusterStateFlagExisting
		} else {
			opts.InitialClusterState = embed.ClusterStateFlagNew
		}
	}
}

func WithEmbedStartTimeout(timeoutSecond int) EmbedOption {
	return func(opts *EmbedOptions) {
		if timeoutSecond > 0 {
			opts.StartTimeout = timeoutSecond
		}
	}
}

func WithEmbedLogger(logger *zap.Logger) EmbedOption {
	return func(opts *EmbedOptions) {
		opts.Logger = logger
	}
}

func WithEmbedLogLevel(logLevel string) EmbedOption {
	return func(opts *EmbedOptions) {
		if logLevel != "" {
			opts.LogLevel = logLevel
		}
	}
}
