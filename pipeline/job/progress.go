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
package job

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/wentaojin/scaling/pipeline/position"
)

// ItemProgress is the persisted state of one sharding item, a restarted
// process resumes every task from it
type ItemProgress struct {
	Status             string `yaml:"status"`
	SourceDatabaseType string `yaml:"sourceDatabaseType,omitempty"`
	// InventoryKey is the integer primary key the inventory ranges are split on
	InventoryKey string `yaml:"inventoryKey,omitempty"`
	// Inventory maps an inventory task id to its acknowledged position
	Inventory            map[string]string    `yaml:"inventory,omitempty"`
	Incremental          *IncrementalProgress `yaml:"incremental,omitempty"`
	Check                *CheckProgress       `yaml:"check,omitempty"`
	ProcessedRecordCount int64                `yaml:"processedRecordCount"`
	ErrorMessage         string               `yaml:"errorMessage,omitempty"`
}

type IncrementalProgress struct {
	Position string `yaml:"position,omitempty"`
	// LastEventTimestamps is the commit time in millis of the last acknowledged change
	LastEventTimestamps    int64 `yaml:"lastEventTimestamps,omitempty"`
	LatestActiveTimeMillis int64 `yaml:"latestActiveTimeMillis,omitempty"`
}

// DelayMillis is how far the target lags behind the source at the last acknowledgement
func (p *IncrementalProgress) DelayMillis() int64 {
	if p == nil || p.LastEventTimestamps == 0 || p.LatestActiveTimeMillis < p.LastEventTimestamps {
		return 0
	}
	return p.LatestActiveTimeMillis - p.LastEventTimestamps
}

type CheckProgress struct {
	TableNames           []string `yaml:"tableNames,omitempty" json:"tableNames,omitempty"`
	IgnoredTableNames    []string `yaml:"ignoredTableNames,omitempty" json:"ignoredTableNames,omitempty"`
	RecordsCount         int64    `yaml:"recordsCount" json:"recordsCount"`
	CheckedRecordsCount  int64    `yaml:"checkedRecordsCount" json:"checkedRecordsCount"`
	CheckBeginTimeMillis int64    `yaml:"checkBeginTimeMillis,omitempty" json:"checkBeginTimeMillis,omitempty"`
	CheckEndTimeMillis   int64    `yaml:"checkEndTimeMillis,omitempty" json:"checkEndTimeMillis,omitempty"`
}

// Percentage is the checked share of the records, capped at 100
func (p *CheckProgress) Percentage() int {
	if p == nil || p.RecordsCount <= 0 {
		return 0
	}
	pct := int(p.CheckedRecordsCount * 100 / p.RecordsCount)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// RemainingSeconds estimates the time left from the current check speed
func (p *CheckProgress) RemainingSeconds(nowMillis int64) int64 {
	if p == nil || p.CheckedRecordsCount <= 0 || p.CheckEndTimeMillis > 0 || p.CheckedRecordsCount >= p.RecordsCount {
		return 0
	}
	elapsed := nowMillis - p.CheckBeginTimeMillis
	if elapsed <= 0 {
		return 0
	}
	return elapsed * (p.RecordsCount - p.CheckedRecordsCount) / p.CheckedRecordsCount / 1000
}

func NewItemProgress(status string) *ItemProgress {
	return &ItemProgress{Status: status, Inventory: make(map[string]string)}
}

func (p *ItemProgress) Marshal() (string, error) {
	b, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal job item progress failed: %v", err)
	}
	return string(b), nil
}

func UnmarshalItemProgress(s string) (*ItemProgress, error) {
	p := &ItemProgress{}
	if err := yaml.Unmarshal([]byte(s), p); err != nil {
		return nil, fmt.Errorf("unmarshal job item progress failed: %v", err)
	}
	if p.Inventory == nil {
		p.Inventory = make(map[string]string)
	}
	return p, nil
}

// InventoryFinished reports whether every inventory task of the item reached its terminal position
func (p *ItemProgress) InventoryFinished() bool {
	if p == nil || len(p.Inventory) == 0 {
		return false
	}
	for _, pos := range p.Inventory {
		if pos != (position.Finished{}).String() {
			return false
		}
	}
	return true
}

// IsInventoryFinished holds when every one of the shardingCount items reports a finished inventory
func IsInventoryFinished(shardingCount int, progresses map[int]*ItemProgress) bool {
	if shardingCount <= 0 || len(progresses) != shardingCount {
		return false
	}
	for item := 0; item < shardingCount; item++ {
		if !progresses[item].InventoryFinished() {
			return false
		}
	}
	return true
}
