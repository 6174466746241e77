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
	"time"

	"github.com/wentaojin/scaling/utils/constant"
)

// ServerOptions the scaling server relative config items
type ServerOptions struct {
	Name string `toml:"name" json:"name"`
	Addr string `toml:"addr" json:"addr"`
	// Endpoints is the comma separated governance store client addresses,
	// empty means the server starts an embedded etcd (embed = true) or an in-memory store
	Endpoints string `toml:"endpoints" json:"endpoints"`
	// Embed starts an embedded etcd server for standalone deployment
	Embed        bool   `toml:"embed" json:"embed"`
	KeepaliveTTL int64  `toml:"keepalive-ttl" json:"keepalive-ttl"`
	ProgressCron string `toml:"progress-cron" json:"progress-cron"`

	SSLCA   string `toml:"ssl-ca" json:"ssl-ca"`
	SSLCert string `toml:"ssl-cert" json:"ssl-cert"`
	SSLKey  string `toml:"ssl-key" json:"ssl-key"`

	ShutdownTimeout time.Duration `toml:"-" json:"-"`
}

type ServerOption func(opts *ServerOptions)

func DefaultServerConfig() *ServerOptions {
	return &ServerOptions{
		Name:            constant.DefaultServerName,
		Addr:            constant.DefaultServerAddr,
		KeepaliveTTL:    constant.DefaultInstanceKeepaliveTTL,
		ProgressCron:    constant.DefaultServerProgressCron,
		ShutdownTimeout: constant.DefaultServerShutdownTimeout,
	}
}

// NewServerOptions applies the options over the defaults, zero values are ignored
func NewServerOptions(opts ...ServerOption) *ServerOptions {
	o := DefaultServerConfig()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithServerName(name string) ServerOption {
	return func(opts *ServerOptions) {
		if name != "" {
			opts.Name = name
		}
	}
}

func WithServerAddr(addr string) ServerOption {
	return func(opts *ServerOptions) {
		if addr != "" {
			opts.Addr = addr
		}
	}
}

func WithServerEndpoints(endpoints string) ServerOption {
	return func(opts *ServerOptions) {
		opts.Endpoints = endpoints
	}
}

func WithServerEmbed(embed bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.Embed = embed
	}
}

func WithServerLease(aliveTTL int64) ServerOption {
	return func(opts *ServerOptions) {
		if aliveTTL > 0 {
			opts.KeepaliveTTL = aliveTTL
		}
	}
}

func WithProgressCron(spec string) ServerOption {
	return func(opts *ServerOptions) {
		if spec != "" {
			opts.ProgressCron = spec
		}
	}
}

func WithServerSecurity(ca, cert, key string) ServerOption {
	return func(opts *ServerOptions) {
		opts.SSLCA = ca
		opts.SSLCert = cert
		opts.SSLKey = key
	}
}

// IsSecurity returns whether the governance client connects with TLS
func (o *ServerOptions) IsSecurity() bool {
	return o.SSLCA != "" && o.SSLCert != "" && o.SSLKey != ""
}
