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
package constant

import "time"

// Governance key layout
const (
	DefaultGovernanceRootKey       = "/scaling"
	DefaultGovernanceJobPrefixKey  = "/scaling/jobs/"
	DefaultGovernanceLockPrefixKey = "/scaling/locks/"
	// DefaultInstanceRegisterPrefixKey holds the lease bound instance records
	DefaultInstanceRegisterPrefixKey = "/scaling/instances/"

	DefaultGovernanceJobConfigKey      = "config"
	DefaultGovernanceJobItemsKey       = "items"
	DefaultGovernanceJobCheckKey       = "check"
	DefaultGovernanceCheckLatestKey    = "latest_job_id"
	DefaultGovernanceCheckResultsKey   = "results"
	DefaultGovernanceMemoryStoreSchema = "memory"
)

// Instance
const (
	DefaultInstanceKeepaliveTTL         = 5
	DefaultInstanceServiceRetryInterval = 5 * time.Second
	DefaultInstanceStartTimeout         = 30
)

// Server
const (
	DefaultServerName             = "scaling"
	DefaultServerAddr             = "127.0.0.1:18080"
	DefaultServerEmbedClientAddr  = "127.0.0.1:2379"
	DefaultServerEmbedPeerAddr    = "127.0.0.1:2380"
	DefaultServerEmbedDataDir     = "scaling-data"
	DefaultServerProgressCron     = "@every 30s"
	DefaultServerAPIPrefix        = "/api/v1"
	DefaultServerShutdownTimeout  = 10 * time.Second
	DefaultServerRequestTimeout   = 60 * time.Second
	DefaultServerMetaDBSlowMillis = 300
)
