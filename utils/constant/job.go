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

// JobType represents a certain type of pipeline job
const (
	JobTypeMigration        = "MIGRATION"
	JobTypeConsistencyCheck = "CONSISTENCY_CHECK"
)

// Job id prefixes, the job type is recoverable from the id
const (
	JobIDPrefixMigration        = "j01"
	JobIDPrefixConsistencyCheck = "j02"
)

// Sync task kinds selected by the task factory
const (
	TaskKindHistory      = "HISTORY"
	TaskKindHistoryGroup = "HISTORY_GROUP"
	TaskKindRealtime     = "REALTIME"
)

// Job item status
const (
	JobStatusPreparing                     = "PREPARING"
	JobStatusRunning                       = "RUNNING"
	JobStatusExecuteInventoryTask          = "EXECUTE_INVENTORY_TASK"
	JobStatusExecuteIncrementalTask        = "EXECUTE_INCREMENTAL_TASK"
	JobStatusFinished                      = "FINISHED"
	JobStatusConsistencyCheckFailure       = "CONSISTENCY_CHECK_FAILURE"
	JobStatusStopping                      = "STOPPING"
	JobStatusStopped                       = "STOPPED"
	JobStatusPreparingFailure              = "PREPARING_FAILURE"
	JobStatusExecuteInventoryTaskFailure   = "EXECUTE_INVENTORY_TASK_FAILURE"
	JobStatusExecuteIncrementalTaskFailure = "EXECUTE_INCREMENTAL_TASK_FAILURE"
)

// Data change types
const (
	DMLInsertType = "INSERT"
	DMLUpdateType = "UPDATE"
	DMLDeleteType = "DELETE"
)
