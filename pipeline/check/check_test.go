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
package check

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/database/sqlite"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/constant"
)

const (
	shardDDL  = `CREATE TABLE %s (order_id INTEGER PRIMARY KEY, user_id INTEGER, status VARCHAR(45))`
	noKeyDDL  = `CREATE TABLE t_order (order_id INTEGER, user_id INTEGER, status VARCHAR(45))`
	parentJob = "j01c0ffee"
)

type keptDatabase struct {
	database.IDatabase
}

func (keptDatabase) Close() error { return nil }

type fixture map[string]database.IDatabase

func (f fixture) GetDatasource(_ context.Context, name string) (*datasource.Descriptor, error) {
	if _, ok := f[name]; !ok {
		return nil, fmt.Errorf("%w: [%s]", datasource.ErrDatasourceNotFound, name)
	}
	return &datasource.Descriptor{Name: name, DbType: constant.DatabaseTypeSQLite}, nil
}

func (f fixture) NewDatabase(_ context.Context, desc *datasource.Descriptor) (database.IDatabase, error) {
	return keptDatabase{f[desc.Name]}, nil
}

func newSQLite(t *testing.T, name string, stmts ...string) database.IDatabase {
	t.Helper()
	db, err := sqlite.NewMemoryDatabase(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	for _, s := range stmts {
		if _, err = db.ExecContext(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

// newShards builds two source shards holding orders 1..4 and a target holding the given rows
func newShards(t *testing.T, name string, target ...string) fixture {
	return fixture{
		"ds_0": newSQLite(t, name+"_ds_0", fmt.Sprintf(shardDDL, "t_order_0"),
			`INSERT INTO t_order_0 VALUES (1, 10, 'a'), (3, 30, 'c')`),
		"ds_1": newSQLite(t, name+"_ds_1", fmt.Sprintf(shardDDL, "t_order_1"),
			`INSERT INTO t_order_1 VALUES (2, 20, 'b'), (4, 40, 'd')`),
		"sharding_db": newSQLite(t, name+"_target", target...),
	}
}

func shardParam(t *testing.T, f fixture) *TableParam {
	t.Helper()
	props, err := parseProps(map[string]string{constant.CheckPropChunkSize: "1"})
	if err != nil {
		t.Fatal(err)
	}
	param, err := tableParam(context.Background(), "t_order",
		[]Side{{DB: f["ds_0"], Table: "t_order_0"}, {DB: f["ds_1"], Table: "t_order_1"}},
		Side{DB: f["sharding_db"], Table: "t_order"}, props)
	if err != nil {
		t.Fatal(err)
	}
	return param
}

func TestJobID(t *testing.T) {
	tests := []struct {
		parent   string
		sequence int
		want     string
	}{
		{parent: "j01abc", sequence: 0, want: "j02abc00"},
		{parent: "j01abc", sequence: 7, want: "j02abc07"},
		{parent: "j01abc", sequence: 12, want: "j02abc12"},
		{parent: "j01abc", sequence: 99, want: "j02abc99"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := JobID(tt.parent, tt.sequence)
			if got != tt.want {
				t.Fatalf("JobID() = %s, want %s", got, tt.want)
			}
			parent, sequence, err := ParseJobID(got)
			if err != nil {
				t.Fatal(err)
			}
			if parent != tt.parent || sequence != tt.sequence {
				t.Errorf("ParseJobID() = %s, %d", parent, sequence)
			}
			jobType, err := job.JobTypeOf(got)
			if err != nil || jobType != constant.JobTypeConsistencyCheck {
				t.Errorf("JobTypeOf() = %s, %v", jobType, err)
			}
		})
	}
	// the sequence wraps instead of widening the id
	if got := JobID("j01abc", 100); got != "j02abc00" {
		t.Errorf("JobID(j01abc, 100) = %s, want j02abc00", got)
	}
	sequences := []struct {
		s, next, previous int
	}{
		{0, 1, 99},
		{42, 43, 41},
		{99, 0, 98},
	}
	for _, tt := range sequences {
		if NextSequence(tt.s) != tt.next || PreviousSequence(tt.s) != tt.previous {
			t.Errorf("sequence %d: next = %d previous = %d", tt.s, NextSequence(tt.s), PreviousSequence(tt.s))
		}
	}
	for _, invalid := range []string{"j01abc00", "j02", "j020", "j02abcxy"} {
		if _, _, err := ParseJobID(invalid); err == nil {
			t.Errorf("ParseJobID(%s) expected an error", invalid)
		}
	}
}

func TestAlgorithmsMatched(t *testing.T) {
	f := newShards(t, "matched", fmt.Sprintf(shardDDL, "t_order"),
		`INSERT INTO t_order VALUES (4, 40, 'd'), (3, 30, 'c'), (2, 20, 'b'), (1, 10, 'a')`)
	for _, info := range Algorithms() {
		t.Run(info.Type, func(t *testing.T) {
			param := shardParam(t, f)
			var checked int64
			param.Progress = func(n int64) { checked += n }

			algorithm, err := NewAlgorithm(info.Type)
			if err != nil {
				t.Fatal(err)
			}
			res, err := algorithm.Check(context.Background(), param)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Matched() {
				t.Fatalf("expected matched, got %+v", res)
			}
			if res.CountCheck.SourceRecordsCount != 4 || res.CountCheck.TargetRecordsCount != 4 {
				t.Errorf("unexpected counts %+v", res.CountCheck)
			}
			if checked != 4 {
				t.Errorf("checked %d records, want 4", checked)
			}
		})
	}
}

func TestAlgorithmsMismatched(t *testing.T) {
	// order 2 differs, order 4 is missing and order 5 is extra, the counts still agree
	f := newShards(t, "mismatched", fmt.Sprintf(shardDDL, "t_order"),
		`INSERT INTO t_order VALUES (1, 10, 'a'), (2, 20, 'x'), (3, 30, 'c'), (5, 50, 'e')`)
	tests := []struct {
		algorithm    string
		countMatched bool
		matched      bool
	}{
		{algorithm: constant.CheckAlgorithmCountMatch, countMatched: true, matched: true},
		{algorithm: constant.CheckAlgorithmCRC32Match, countMatched: true, matched: false},
		{algorithm: constant.CheckAlgorithmMD5Match, countMatched: true, matched: false},
		{algorithm: constant.CheckAlgorithmDataMatch, countMatched: true, matched: false},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			algorithm, err := NewAlgorithm(tt.algorithm)
			if err != nil {
				t.Fatal(err)
			}
			res, err := algorithm.Check(context.Background(), shardParam(t, f))
			if err != nil {
				t.Fatal(err)
			}
			if res.CountCheck.Matched != tt.countMatched || res.Matched() != tt.matched {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}

	res, err := dataMatch{}.Check(context.Background(), shardParam(t, f))
	if err != nil {
		t.Fatal(err)
	}
	want := []Mismatch{
		{Key: "order_id=2", Kind: MismatchDifferent, Changes: []string{"status: b -> x"}},
		{Key: "order_id=4", Kind: MismatchMissing},
		{Key: "order_id=5", Kind: MismatchExtra},
	}
	if !reflect.DeepEqual(res.ContentCheck.Mismatches, want) {
		t.Errorf("Mismatches = %+v, want %+v", res.ContentCheck.Mismatches, want)
	}
	if res.ContentCheck.MismatchCount != 3 {
		t.Errorf("MismatchCount = %d, want 3", res.ContentCheck.MismatchCount)
	}

	param := shardParam(t, f)
	param.MaxMismatches = 1
	res, err = dataMatch{}.Check(context.Background(), param)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ContentCheck.Mismatches) != 1 || res.ContentCheck.MismatchCount != 3 {
		t.Errorf("expected one recorded mismatch out of 3, got %+v", res.ContentCheck)
	}
}

func TestDataMatchKeyOrderAcrossShards(t *testing.T) {
	// the sources interleave as 10 and 9, text keys sort them by bytes and integer keys by value
	tests := []struct {
		name        string
		ddl         string
		numericKeys []bool
	}{
		{name: "text key", ddl: `CREATE TABLE %s (user_code VARCHAR(12) PRIMARY KEY, name VARCHAR(12))`, numericKeys: []bool{false}},
		{name: "integer key", ddl: `CREATE TABLE %s (user_code INTEGER PRIMARY KEY, name VARCHAR(12))`, numericKeys: []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fixture{
				"ds_0":        newSQLite(t, tt.name+"_ds_0", fmt.Sprintf(tt.ddl, "t_user_0"), `INSERT INTO t_user_0 VALUES ('10', 'ten')`),
				"ds_1":        newSQLite(t, tt.name+"_ds_1", fmt.Sprintf(tt.ddl, "t_user_1"), `INSERT INTO t_user_1 VALUES ('9', 'nine')`),
				"sharding_db": newSQLite(t, tt.name+"_target", fmt.Sprintf(tt.ddl, "t_user"), `INSERT INTO t_user VALUES ('10', 'ten'), ('9', 'nine')`),
			}
			props, err := parseProps(nil)
			if err != nil {
				t.Fatal(err)
			}
			param, err := tableParam(context.Background(), "t_user",
				[]Side{{DB: f["ds_0"], Table: "t_user_0"}, {DB: f["ds_1"], Table: "t_user_1"}},
				Side{DB: f["sharding_db"], Table: "t_user"}, props)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(param.NumericKeys, tt.numericKeys) {
				t.Fatalf("NumericKeys = %v, want %v", param.NumericKeys, tt.numericKeys)
			}
			res, err := dataMatch{}.Check(context.Background(), param)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Matched() || len(res.ContentCheck.Mismatches) != 0 {
				t.Fatalf("expected matched, got %+v", res.ContentCheck)
			}
			if res.CountCheck.SourceRecordsCount != 2 || res.CountCheck.TargetRecordsCount != 2 {
				t.Errorf("unexpected counts %+v", res.CountCheck)
			}
		})
	}
}

func TestDataMatchWithoutUniqueKey(t *testing.T) {
	f := newShards(t, "nokey", noKeyDDL, `INSERT INTO t_order VALUES (1, 10, 'a')`)
	param := shardParam(t, f)
	if len(param.UniqueKeys) != 0 {
		t.Fatalf("unexpected unique keys %v", param.UniqueKeys)
	}
	res, err := dataMatch{}.Check(context.Background(), param)
	if err != nil {
		t.Fatal(err)
	}
	if res.IgnoredType != constant.CheckIgnoredNoUniqueKey || res.Matched() {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestNewAlgorithm(t *testing.T) {
	a, err := NewAlgorithm("")
	if err != nil || a.Type() != constant.CheckAlgorithmDataMatch {
		t.Fatalf("NewAlgorithm(\"\") = %v, %v", a, err)
	}
	if a, err = NewAlgorithm("crc32_match"); err != nil || a.Type() != constant.CheckAlgorithmCRC32Match {
		t.Fatalf("NewAlgorithm(crc32_match) = %v, %v", a, err)
	}
	if _, err = NewAlgorithm("SHA_MATCH"); err == nil {
		t.Fatal("expected an unsupported algorithm error")
	}
	if _, err = parseProps(map[string]string{constant.CheckPropChunkSize: "0"}); err == nil {
		t.Fatal("expected an invalid chunk size error")
	}
}

func TestExportReport(t *testing.T) {
	ctx := context.Background()
	bucketURL := "file://" + t.TempDir()
	report := &Report{
		ParentJobID:   parentJob,
		CheckJobID:    JobID(parentJob, 0),
		AlgorithmType: constant.CheckAlgorithmDataMatch,
		FinishedAt:    time.Unix(1700000000, 0).UTC(),
		Results: Results{"t_order": {
			TableName:     "t_order",
			AlgorithmType: constant.CheckAlgorithmDataMatch,
			CountCheck:    CountCheck{SourceRecordsCount: 4, TargetRecordsCount: 3},
			ContentCheck:  ContentCheck{Mismatches: []Mismatch{{Key: "order_id=4", Kind: MismatchMissing}}, MismatchCount: 1},
		}},
	}
	if err := ExportReport(ctx, bucketURL, report); err != nil {
		t.Fatal(err)
	}
	got, err := ReadReport(ctx, bucketURL, report.ParentJobID, report.CheckJobID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, report) {
		t.Errorf("ReadReport() = %+v, want %+v", got, report)
	}

	archives, err := Archives(report.ParentJobID, report.CheckJobID, report.Results)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 || archives[0].TableName != "t_order" || archives[0].ContentMatched {
		t.Errorf("unexpected archives %+v", archives)
	}
}

type checkEnv struct {
	api    *API
	jobs   *governance.JobAPI
	runner *job.Runner
}

func newCheckEnv(t *testing.T, f fixture) *checkEnv {
	t.Helper()
	jobs := governance.NewJobAPI(governance.NewMemoryRepository())
	runner := job.NewRunner(jobs, map[string]job.Executor{
		constant.JobTypeConsistencyCheck: NewExecutor(f, f, nil),
	}, nil)
	t.Cleanup(func() { runner.Close(context.Background()) })

	parent := &job.Configuration{
		JobID:         parentJob,
		JobType:       constant.JobTypeMigration,
		ShardingCount: 2,
		Sources: []job.TableRef{
			{DataSource: "ds_0", Table: "t_order_0"},
			{DataSource: "ds_1", Table: "t_order_1"},
		},
		Target: job.TableRef{DataSource: "sharding_db", Table: "t_order"},
	}
	s, err := parent.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err = jobs.PersistJobConfiguration(context.Background(), parentJob, s); err != nil {
		t.Fatal(err)
	}
	return &checkEnv{api: NewAPI(jobs, runner), jobs: jobs, runner: runner}
}

func (e *checkEnv) persistItem(t *testing.T, jobID string, item int, p *job.ItemProgress) {
	t.Helper()
	s, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err = e.jobs.PersistItemProgress(context.Background(), jobID, item, s); err != nil {
		t.Fatal(err)
	}
}

func (e *checkEnv) finishInventory(t *testing.T) {
	for item := 0; item < 2; item++ {
		p := job.NewItemProgress(constant.JobStatusExecuteIncrementalTask)
		p.Inventory[fmt.Sprintf("%s-%d-inventory-0", parentJob, item)] = "f"
		e.persistItem(t, parentJob, item, p)
	}
}

func (e *checkEnv) start(t *testing.T, algorithm string) *Status {
	t.Helper()
	ctx := context.Background()
	checkJobID, err := e.api.Start(ctx, parentJob, algorithm, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = e.runner.Wait(waitCtx, checkJobID); err != nil {
		t.Fatal(err)
	}
	status, err := e.api.Status(ctx, parentJob)
	if err != nil {
		t.Fatal(err)
	}
	if status.CheckJobID != checkJobID {
		t.Fatalf("the latest check job is %s, want %s", status.CheckJobID, checkJobID)
	}
	return status
}

func TestCheckRequiresFinishedInventory(t *testing.T) {
	ctx := context.Background()
	env := newCheckEnv(t, newShards(t, "unfinished", fmt.Sprintf(shardDDL, "t_order")))

	// only one of the two items copied its inventory
	p := job.NewItemProgress(constant.JobStatusExecuteIncrementalTask)
	p.Inventory[parentJob+"-0-inventory-0"] = "f"
	env.persistItem(t, parentJob, 0, p)

	_, err := env.api.Start(ctx, parentJob, constant.CheckAlgorithmDataMatch, nil)
	if !errors.Is(err, ErrInventoryNotFinished) {
		t.Fatalf("Start() error = %v, want %v", err, ErrInventoryNotFinished)
	}
	latest, err := env.jobs.GetLatestCheckJobID(ctx, parentJob)
	if err != nil || latest != "" {
		t.Errorf("no check job must be recorded, got %q, %v", latest, err)
	}
	if _, err = env.jobs.GetJobConfiguration(ctx, JobID(parentJob, 0)); !errors.Is(err, governance.ErrNotFound) {
		t.Errorf("no check configuration must be recorded, got %v", err)
	}
}

func TestCheckLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newCheckEnv(t, newShards(t, "lifecycle", fmt.Sprintf(shardDDL, "t_order"),
		`INSERT INTO t_order VALUES (1, 10, 'a'), (2, 20, 'x'), (3, 30, 'c')`))
	env.finishInventory(t)

	status := env.start(t, constant.CheckAlgorithmDataMatch)
	if status.CheckJobID != JobID(parentJob, 0) || status.Status != constant.JobStatusFinished {
		t.Fatalf("unexpected status %+v", status)
	}
	res := status.Results["t_order"]
	if res == nil || res.Matched() || res.ContentCheck.MismatchCount != 2 {
		t.Fatalf("unexpected results %+v", status.Results)
	}
	if status.Progress.RecordsCount != 4 || status.Progress.CheckedRecordsCount != 4 || status.Percentage != 100 {
		t.Errorf("unexpected progress %+v", status.Progress)
	}

	status = env.start(t, constant.CheckAlgorithmCountMatch)
	if status.CheckJobID != JobID(parentJob, 1) || status.AlgorithmType != constant.CheckAlgorithmCountMatch {
		t.Fatalf("unexpected status %+v", status)
	}

	// an unfinished latest check blocks a new one
	env.persistItem(t, JobID(parentJob, 1), 0, job.NewItemProgress(constant.JobStatusConsistencyCheckFailure))
	if _, err := env.api.Start(ctx, parentJob, "", nil); !errors.Is(err, ErrJobAlreadyExists) {
		t.Fatalf("Start() error = %v, want %v", err, ErrJobAlreadyExists)
	}

	if err := env.api.Drop(ctx, parentJob); err != nil {
		t.Fatal(err)
	}
	latest, err := env.jobs.GetLatestCheckJobID(ctx, parentJob)
	if err != nil || latest != JobID(parentJob, 0) {
		t.Fatalf("the latest check job after drop = %q, %v", latest, err)
	}
	if _, err = env.api.GetResults(ctx, parentJob, JobID(parentJob, 1)); !errors.Is(err, governance.ErrNotFound) {
		t.Errorf("the dropped results must be removed, got %v", err)
	}

	// the dropped sequence is reused
	status = env.start(t, constant.CheckAlgorithmCRC32Match)
	if status.CheckJobID != JobID(parentJob, 1) || status.Status != constant.JobStatusFinished {
		t.Fatalf("unexpected status %+v", status)
	}

	if err = env.api.Clean(ctx, parentJob); err != nil {
		t.Fatal(err)
	}
	if _, err = env.api.Status(ctx, parentJob); !errors.Is(err, ErrCheckNotFound) {
		t.Errorf("Status() error = %v, want %v", err, ErrCheckNotFound)
	}
	if err = env.api.Drop(ctx, parentJob); !errors.Is(err, ErrCheckNotFound) {
		t.Errorf("Drop() error = %v, want %v", err, ErrCheckNotFound)
	}
}

func TestCheckSequenceWraps(t *testing.T) {
	ctx := context.Background()
	env := newCheckEnv(t, newShards(t, "wraps", fmt.Sprintf(shardDDL, "t_order"),
		`INSERT INTO t_order VALUES (1, 10, 'a')`))
	env.finishInventory(t)

	// the last sequence finished before
	last := JobID(parentJob, sequenceLimit-1)
	cfg := &job.Configuration{
		JobID:             last,
		JobType:           constant.JobTypeConsistencyCheck,
		ShardingCount:     1,
		ParentJobID:       parentJob,
		AlgorithmTypeName: constant.CheckAlgorithmCountMatch,
	}
	s, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err = env.jobs.PersistJobConfiguration(ctx, last, s); err != nil {
		t.Fatal(err)
	}
	env.persistItem(t, last, 0, job.NewItemProgress(constant.JobStatusFinished))
	if err = env.jobs.PersistLatestCheckJobID(ctx, parentJob, last); err != nil {
		t.Fatal(err)
	}

	status := env.start(t, constant.CheckAlgorithmCountMatch)
	if status.CheckJobID != JobID(parentJob, 0) {
		t.Fatalf("the check after %s is %s, want %s", last, status.CheckJobID, JobID(parentJob, 0))
	}
	if _, err = env.jobs.GetJobConfiguration(ctx, last); err != nil {
		t.Fatalf("the previous check job must be kept: %v", err)
	}

	if err = env.api.Drop(ctx, parentJob); err != nil {
		t.Fatal(err)
	}
	latest, err := env.jobs.GetLatestCheckJobID(ctx, parentJob)
	if err != nil || latest != last {
		t.Fatalf("the latest check job after drop = %q, %v, want %s", latest, err, last)
	}
}
