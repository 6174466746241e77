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
package task

import (
	"github.com/wentaojin/scaling/model/common"
)

// Log is a job lifecycle event, failures carry the error detail
type Log struct {
	ID           uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobID        string `gorm:"type:varchar(100);not null;index:idx_job_item;comment:job id" json:"jobId"`
	ShardingItem int    `gorm:"type:int;index:idx_job_item;comment:sharding item" json:"shardingItem"`
	LogLevel     string `gorm:"type:varchar(10);comment:log level" json:"logLevel"`
	LogDetail    string `gorm:"type:longtext;comment:job running log" json:"logDetail"`
	*common.Entity
}

// CheckArchive keeps the per table result of a finished consistency check
type CheckArchive struct {
	ID             uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	ParentJobID    string `gorm:"type:varchar(100);not null;uniqueIndex:uniq_check_table;index:idx_parent_job_id;comment:migration job id" json:"parentJobId"`
	CheckJobID     string `gorm:"type:varchar(120);not null;uniqueIndex:uniq_check_table;comment:consistency check job id" json:"checkJobId"`
	TableName      string `gorm:"type:varchar(120);not null;uniqueIndex:uniq_check_table;comment:logic table name" json:"tableName"`
	AlgorithmType  string `gorm:"type:varchar(30);comment:check algorithm type" json:"algorithmType"`
	SourceRecords  int64  `gorm:"comment:source records count" json:"sourceRecords"`
	TargetRecords  int64  `gorm:"comment:target records count" json:"targetRecords"`
	CountMatched   bool   `gorm:"comment:records count matched" json:"countMatched"`
	ContentMatched bool   `gorm:"comment:records content matched" json:"contentMatched"`
	IgnoredType    string `gorm:"type:varchar(30);comment:ignored reason" json:"ignoredType"`
	MismatchDetail string `gorm:"type:longtext;comment:mismatched rows detail" json:"mismatchDetail"`
	*common.Entity
}
