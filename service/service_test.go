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
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/database/connector"
	"github.com/wentaojin/scaling/database/sqlite"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/check"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/constant"
)

const orderDDL = `CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, user_id INTEGER, status VARCHAR(45))`

type serviceEnv struct {
	svc    *MigrationService
	jobs   *governance.JobAPI
	runner *job.Runner
	target database.IDatabase
}

// keepMemory opens the named in-memory database for the duration of the test
func keepMemory(t *testing.T, name string, stmts ...string) database.IDatabase {
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

func memoryURL(name string) string {
	return fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name)
}

func newServiceEnv(t *testing.T, prefix string) *serviceEnv {
	t.Helper()
	keepMemory(t, prefix+"_ds_0", orderDDL, `INSERT INTO t_order VALUES (1, 10, 'a'), (2, 20, 'b'), (3, 30, 'c')`)
	target := keepMemory(t, prefix+"_sharding_db", orderDDL)

	factory := connector.NewFactory()
	sources := datasource.NewMemoryDatasource()
	jobs := governance.NewJobAPI(governance.NewMemoryRepository())
	runner := job.NewRunner(jobs, map[string]job.Executor{
		constant.JobTypeMigration:        job.NewMigrationExecutor(sources, factory),
		constant.JobTypeConsistencyCheck: check.NewExecutor(sources, factory, nil),
	}, nil)
	t.Cleanup(func() { runner.Close(context.Background()) })

	svc := NewMigrationService(jobs, runner, sources, factory,
		WithJobIDGenerator(func() string { return "j01" + prefix }),
		WithPipelineConfig(&PipelineConfig{Concurrency: 1, InventoryOnly: true, TargetDataSource: "sharding_db"}))
	return &serviceEnv{svc: svc, jobs: jobs, runner: runner, target: target}
}

func (e *serviceEnv) exec(t *testing.T, sql string) *Result {
	t.Helper()
	res, err := e.svc.Execute(context.Background(), sql)
	if err != nil {
		t.Fatalf("%s: %v", sql, err)
	}
	return res
}

func (e *serviceEnv) wait(t *testing.T, jobID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.runner.Wait(ctx, jobID); err != nil {
		t.Fatal(err)
	}
}

func (e *serviceEnv) register(t *testing.T, prefix string) {
	t.Helper()
	e.exec(t, fmt.Sprintf(`REGISTER MIGRATION SOURCE STORAGE UNIT ds_0 (URL='%s', USER='root', PASSWORD='secret'),
		sharding_db (URL='%s', USER='root', PASSWORD='secret')`, memoryURL(prefix+"_ds_0"), memoryURL(prefix+"_sharding_db")))
}

func TestMigrationLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, "lifecycle")
	env.register(t, "lifecycle")

	res := env.exec(t, "SHOW MIGRATION SOURCE STORAGE UNITS")
	if len(res.Rows) != 2 || res.Rows[0][0] != "ds_0" || res.Rows[0][1] != constant.DatabaseTypeSQLite {
		t.Fatalf("unexpected storage units %v", res.Rows)
	}

	res = env.exec(t, "MIGRATE TABLE ds_0.t_order INTO t_order")
	if !reflect.DeepEqual(res.Rows, [][]string{{"j01lifecycle"}}) {
		t.Fatalf("unexpected migrate result %+v", res)
	}
	env.wait(t, "j01lifecycle")

	statuses, err := env.svc.Status(ctx, "j01lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Status != constant.JobStatusFinished ||
		statuses[0].ProcessedRecordCount != 3 || statuses[0].InventoryFinishedPercentage != 100 {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
	var n int
	if err = env.target.QueryRowContext(ctx, `SELECT COUNT(1) FROM t_order`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("target has %d rows, err %v", n, err)
	}

	res = env.exec(t, "CHECK MIGRATION 'j01lifecycle' BY TYPE (NAME='CRC32_MATCH')")
	checkJobID := check.JobID("j01lifecycle", 0)
	if res.Rows[0][0] != checkJobID {
		t.Fatalf("unexpected check result %+v", res)
	}
	env.wait(t, checkJobID)
	res = env.exec(t, "SHOW MIGRATION CHECK STATUS 'j01lifecycle'")
	if row := res.Rows[0]; row[0] != checkJobID || row[2] != constant.JobStatusFinished || row[3] != "true" || row[6] != "100" {
		t.Fatalf("unexpected check status %v", row)
	}

	// an active job keeps its storage units registered
	if _, err = env.svc.Execute(ctx, "UNREGISTER MIGRATION SOURCE STORAGE UNIT ds_0"); err == nil {
		t.Fatal("expected the storage unit in use error")
	}

	env.exec(t, "COMMIT MIGRATION 'j01lifecycle'")
	res = env.exec(t, "SHOW MIGRATION LIST")
	if len(res.Rows) != 1 || res.Rows[0][0] != "j01lifecycle" || res.Rows[0][4] != "false" {
		t.Fatalf("unexpected list %v", res.Rows)
	}
	env.exec(t, "UNREGISTER MIGRATION SOURCE STORAGE UNIT ds_0")

	env.exec(t, "ROLLBACK MIGRATION 'j01lifecycle'")
	if res = env.exec(t, "SHOW MIGRATION LIST"); len(res.Rows) != 0 {
		t.Fatalf("unexpected list after rollback %v", res.Rows)
	}
	if _, err = env.jobs.GetJobConfiguration(ctx, checkJobID); !errors.Is(err, governance.ErrNotFound) {
		t.Errorf("the check job must be removed with its parent, got %v", err)
	}
	if _, err = env.svc.Status(ctx, "j01lifecycle"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status() error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestMigrationErrors(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, "errors")

	// the storage units are not registered yet
	if _, err := env.svc.Execute(ctx, "MIGRATE TABLE ds_0.t_order INTO t_order"); !errors.Is(err, datasource.ErrDatasourceNotFound) {
		t.Fatalf("Migrate() error = %v, want %v", err, datasource.ErrDatasourceNotFound)
	}
	env.register(t, "errors")
	if _, err := env.svc.Execute(ctx, "MIGRATE TABLE ds_0.t_missing INTO t_order"); err == nil {
		t.Fatal("expected a missing table error")
	}
	for _, sql := range []string{
		"STOP MIGRATION 'j01nope'",
		"SHOW MIGRATION STATUS 'j01nope'",
		"CHECK MIGRATION 'j01nope'",
		"COMMIT MIGRATION 'j02nope00'",
	} {
		if _, err := env.svc.Execute(ctx, sql); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("%s: error = %v, want %v", sql, err, ErrJobNotFound)
		}
	}
	if _, err := env.svc.Execute(ctx, "SHOW MIGRATION CHECK ALGORITHMS"); err != nil {
		t.Fatal(err)
	}
}

func TestStopAndStartMigration(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t, "stopstart")
	env.register(t, "stopstart")
	if _, err := env.svc.Migrate(ctx, []job.TableRef{{DataSource: "ds_0", Table: "t_order"}}, job.TableRef{Table: "t_order"}); err != nil {
		t.Fatal(err)
	}
	env.wait(t, "j01stopstart")

	if err := env.svc.Stop(ctx, "j01stopstart"); err != nil {
		t.Fatal(err)
	}
	infos, err := env.svc.List(ctx)
	if err != nil || len(infos) != 1 || infos[0].Active || infos[0].StopTime == "" {
		t.Fatalf("unexpected list %+v, %v", infos, err)
	}
	if err = env.svc.Start(ctx, "j01stopstart"); err != nil {
		t.Fatal(err)
	}
	if infos, err = env.svc.List(ctx); err != nil || !infos[0].Active || infos[0].StopTime != "" {
		t.Fatalf("unexpected list %+v, %v", infos, err)
	}
}
