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
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/wentaojin/scaling/utils/constant"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"", constant.JobStatusPreparing, true},
		{constant.JobStatusPreparing, constant.JobStatusExecuteInventoryTask, true},
		{constant.JobStatusExecuteInventoryTask, constant.JobStatusExecuteIncrementalTask, true},
		{constant.JobStatusExecuteInventoryTask, constant.JobStatusFinished, true},
		{constant.JobStatusRunning, constant.JobStatusConsistencyCheckFailure, true},
		{constant.JobStatusRunning, constant.JobStatusStopping, true},
		{constant.JobStatusStopping, constant.JobStatusStopped, true},
		{constant.JobStatusStopped, constant.JobStatusPreparing, true},
		{constant.JobStatusExecuteIncrementalTaskFailure, constant.JobStatusPreparing, true},
		{constant.JobStatusStopped, constant.JobStatusStopped, true},
		{constant.JobStatusFinished, constant.JobStatusRunning, false},
		{constant.JobStatusFinished, constant.JobStatusStopping, false},
		{constant.JobStatusStopping, constant.JobStatusRunning, false},
		{constant.JobStatusRunning, constant.JobStatusExecuteInventoryTask, false},
		{"", constant.JobStatusFinished, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
	if err := checkTransition(constant.JobStatusFinished, constant.JobStatusRunning); !errors.Is(err, ErrIllegalStatusTransition) {
		t.Errorf("checkTransition() error = %v, want ErrIllegalStatusTransition", err)
	}
}

func TestFailureStatus(t *testing.T) {
	tests := map[string]string{
		constant.JobStatusPreparing:              constant.JobStatusPreparingFailure,
		constant.JobStatusExecuteInventoryTask:   constant.JobStatusExecuteInventoryTaskFailure,
		constant.JobStatusExecuteIncrementalTask: constant.JobStatusExecuteIncrementalTaskFailure,
		constant.JobStatusRunning:                constant.JobStatusConsistencyCheckFailure,
	}
	for from, want := range tests {
		if got := FailureStatus(from); got != want || !CanTransition(from, got) || !IsFailure(got) {
			t.Errorf("FailureStatus(%q) = %q, want %q", from, got, want)
		}
	}
}

func finishedItem() *ItemProgress {
	return &ItemProgress{Inventory: map[string]string{"j01-0-inventory-0": "f", "j01-0-inventory-1": "f"}}
}

func TestIsInventoryFinished(t *testing.T) {
	tests := []struct {
		name       string
		count      int
		progresses map[int]*ItemProgress
		want       bool
	}{
		{"all finished", 2, map[int]*ItemProgress{0: finishedItem(), 1: finishedItem()}, true},
		{"missing item", 2, map[int]*ItemProgress{0: finishedItem()}, false},
		{"range pending", 1, map[int]*ItemProgress{0: {Inventory: map[string]string{"a": "f", "b": "i,5,9"}}}, false},
		{"no inventory task", 1, map[int]*ItemProgress{0: {Inventory: map[string]string{}}}, false},
		{"nil progress", 1, map[int]*ItemProgress{0: nil}, false},
		{"wrong item numbers", 1, map[int]*ItemProgress{3: finishedItem()}, false},
		{"no item", 0, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInventoryFinished(tt.count, tt.progresses); got != tt.want {
				t.Errorf("IsInventoryFinished() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestItemProgressYaml(t *testing.T) {
	p := &ItemProgress{
		Status:             constant.JobStatusExecuteIncrementalTask,
		SourceDatabaseType: constant.DatabaseTypeMySQL,
		InventoryKey:       "order_id",
		Inventory:          map[string]string{"j01-0-inventory-0": "f"},
		Incremental: &IncrementalProgress{
			Position:               "mysql-bin.000003:1204",
			LastEventTimestamps:    1000,
			LatestActiveTimeMillis: 1500,
		},
		ProcessedRecordCount: 42,
	}
	s, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, "lastEventTimestamps: 1000") {
		t.Errorf("unexpected yaml:\n%s", s)
	}
	got, err := UnmarshalItemProgress(s)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("UnmarshalItemProgress() = %+v, want %+v", got, p)
	}
	if got.Incremental.DelayMillis() != 500 {
		t.Errorf("DelayMillis() = %d, want 500", got.Incremental.DelayMillis())
	}
}

func TestCheckProgress(t *testing.T) {
	p := &CheckProgress{RecordsCount: 200, CheckedRecordsCount: 50, CheckBeginTimeMillis: 1000}
	if p.Percentage() != 25 {
		t.Errorf("Percentage() = %d, want 25", p.Percentage())
	}
	// 50 records took 10s, 150 are left
	if got := p.RemainingSeconds(11000); got != 30 {
		t.Errorf("RemainingSeconds() = %d, want 30", got)
	}
	p.CheckEndTimeMillis = 12000
	if got := p.RemainingSeconds(13000); got != 0 {
		t.Errorf("RemainingSeconds() of an ended check = %d, want 0", got)
	}
}

func TestConfiguration(t *testing.T) {
	cfg := &Configuration{
		JobID:         "j01abc",
		JobType:       constant.JobTypeMigration,
		ShardingCount: 1,
		Sources:       []TableRef{{DataSource: "ds_0", Table: "t_order"}},
		Target:        TableRef{DataSource: "sharding_db", Table: "t_order"},
		Incremental:   true,
	}
	s, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalConfiguration(s)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("UnmarshalConfiguration() = %+v, want %+v", got, cfg)
	}

	invalid := []string{
		"jobId: j01abc\njobType: MIGRATION\nshardingCount: 2\nsources:\n- dataSource: ds_0\n  table: t_order\ntarget:\n  table: t_order\n",
		"jobId: j02abc00\njobType: CONSISTENCY_CHECK\nshardingCount: 1\n",
		"jobId: j01abc\njobType: MIGRATION\nshardingCount: 1\nunknown: 1\n",
		"jobType: MIGRATION\nshardingCount: 1\n",
		"not yaml: [",
	}
	for _, s := range invalid {
		if _, err := UnmarshalConfiguration(s); err == nil {
			t.Errorf("UnmarshalConfiguration(%q) must fail", s)
		}
	}
}

func TestJobID(t *testing.T) {
	id := NewJobID()
	if len(id) != 35 || !strings.HasPrefix(id, constant.JobIDPrefixMigration) {
		t.Fatalf("NewJobID() = %q", id)
	}
	if id == NewJobID() {
		t.Error("job ids must be unique")
	}
	tests := []struct {
		id, want string
	}{
		{id, constant.JobTypeMigration},
		{"j02" + id[3:] + "00", constant.JobTypeConsistencyCheck},
	}
	for _, tt := range tests {
		if got, err := JobTypeOf(tt.id); err != nil || got != tt.want {
			t.Errorf("JobTypeOf(%q) = %q, %v", tt.id, got, err)
		}
	}
	if _, err := JobTypeOf("x01"); err == nil {
		t.Error("an unknown prefix must be rejected")
	}
}
