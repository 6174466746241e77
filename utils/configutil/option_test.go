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
	"testing"

	"github.com/wentaojin/scaling/utils/constant"
)

func TestNewServerOptions(t *testing.T) {
	tests := []struct {
		name     string
		opts     []ServerOption
		wantAddr string
		wantTTL  int64
		wantSec  bool
	}{
		{
			name:     "defaults",
			wantAddr: constant.DefaultServerAddr,
			wantTTL:  constant.DefaultInstanceKeepaliveTTL,
		},
		{
			name:     "empty values keep defaults",
			opts:     []ServerOption{WithServerAddr(""), WithServerLease(0)},
			wantAddr: constant.DefaultServerAddr,
			wantTTL:  constant.DefaultInstanceKeepaliveTTL,
		},
		{
			name:     "override",
			opts:     []ServerOption{WithServerAddr("0.0.0.0:9000"), WithServerLease(12), WithServerSecurity("ca", "cert", "key")},
			wantAddr: "0.0.0.0:9000",
			wantTTL:  12,
			wantSec:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewServerOptions(tt.opts...)
			if o.Addr != tt.wantAddr {
				t.Errorf("Addr = %v, want %v", o.Addr, tt.wantAddr)
			}
			if o.KeepaliveTTL != tt.wantTTL {
				t.Errorf("KeepaliveTTL = %v, want %v", o.KeepaliveTTL, tt.wantTTL)
			}
			if o.IsSecurity() != tt.wantSec {
				t.Errorf("IsSecurity() = %v, want %v", o.IsSecurity(), tt.wantSec)
			}
		})
	}
}
