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

// Database Type
const (
	DatabaseTypeMySQL      = "MYSQL"
	DatabaseTypeTiDB       = "TIDB"
	DatabaseTypePostgresql = "POSTGRES"
	DatabaseTypeSQLite     = "SQLITE"
)

const (
	StringSeparatorComma       = ","
	StringSeparatorDot         = "."
	StringSeparatorSlash       = "/"
	StringSeparatorDoubleColon = ":"
	StringSeparatorAite        = "@"
	StringSeparatorSharp       = "#"
)

// Pipeline defaults, overridable by the [pipeline] config section and per job
const (
	DefaultPipelineBatchSize          = 1000
	DefaultPipelineFetchSize          = 1000
	DefaultPipelineChannelCapacity    = 10000
	DefaultPipelineInventoryThreads   = 4
	DefaultPipelineImporterLanes      = 3
	DefaultPipelineRetryTimes         = 3
	DefaultPipelinePullTimeout        = 500 * time.Millisecond
	DefaultPipelineRetryInitialDelay  = 200 * time.Millisecond
	DefaultPipelineIncrementalRetries = 10
)

// DefaultTaskQueueChannelSize is the buffered task queue size of a worker pool
const DefaultTaskQueueChannelSize = 1024
