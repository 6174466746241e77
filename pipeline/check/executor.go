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
	"sync"
	"time"

	"github.com/scylladb/go-set/strset"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	modeltask "github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/pool"
	"github.com/wentaojin/scaling/utils/constant"
)

// Executor runs a consistency check job, it implements job.Executor
type Executor struct {
	resolver job.DatasourceResolver
	opener   job.Opener
	// archive is optional, finished results are archived to the metadata database when set
	archive modeltask.ICheckArchive
}

func NewExecutor(resolver job.DatasourceResolver, opener job.Opener, archive modeltask.ICheckArchive) *Executor {
	return &Executor{resolver: resolver, opener: opener, archive: archive}
}

type checkProps struct {
	chunkSize        int
	maxMismatches    int
	tableConcurrency int
	reportURL        string
}

func parseProps(props map[string]string) (*checkProps, error) {
	p := &checkProps{reportURL: props[constant.CheckPropReportURL]}
	var err error
	if p.chunkSize, err = parseIntProp(props, constant.CheckPropChunkSize, constant.DefaultCheckChunkSize); err != nil {
		return nil, err
	}
	if p.maxMismatches, err = parseIntProp(props, constant.CheckPropMaxMismatches, constant.DefaultCheckMaxMismatches); err != nil {
		return nil, err
	}
	if p.tableConcurrency, err = parseIntProp(props, constant.CheckPropTableConcurrency, constant.DefaultCheckTableConcurrency); err != nil {
		return nil, err
	}
	return p, nil
}

type opened struct {
	dbs []database.IDatabase
}

func (o *opened) close() {
	for _, db := range o.dbs {
		db.Close()
	}
}

func (e *Executor) open(ctx context.Context, o *opened, name string) (database.IDatabase, error) {
	desc, err := e.resolver.GetDatasource(ctx, name)
	if err != nil {
		return nil, err
	}
	db, err := e.opener.NewDatabase(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("open the storage unit [%s] failed: %v", name, err)
	}
	o.dbs = append(o.dbs, db)
	return db, nil
}

// tableParam resolves the compared columns, the columns of the target table present in every source table
func tableParam(ctx context.Context, logicTable string, sources []Side, target Side, props *checkProps) (*TableParam, error) {
	targetCols, err := target.DB.GetTableColumns(ctx, target.Table)
	if err != nil {
		return nil, err
	}
	if len(targetCols) == 0 {
		return nil, fmt.Errorf("the target table [%s] is not exist", target.Table)
	}
	common := strset.New(database.ColumnNames(targetCols)...)
	sourceTypes := make([]map[string]string, 0, len(sources))
	for _, s := range sources {
		cols, err := s.DB.GetTableColumns(ctx, s.Table)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("the source table [%s] is not exist", s.Table)
		}
		common = strset.Intersection(common, strset.New(database.ColumnNames(cols)...))
		types := make(map[string]string, len(cols))
		for _, c := range cols {
			types[c.Name] = c.DataType
		}
		sourceTypes = append(sourceTypes, types)
	}
	param := &TableParam{
		LogicTable:    logicTable,
		Sources:       sources,
		Target:        target,
		ChunkSize:     props.chunkSize,
		MaxMismatches: props.maxMismatches,
	}
	for _, c := range targetCols {
		if common.Has(c.Name) {
			param.Columns = append(param.Columns, c.Name)
		}
	}
	for _, k := range database.PrimaryKeys(targetCols) {
		if !common.Has(k.Name) {
			param.UniqueKeys, param.NumericKeys = nil, nil
			break
		}
		param.UniqueKeys = append(param.UniqueKeys, k.Name)
		param.NumericKeys = append(param.NumericKeys, target.DB.Dialect().IsIntegerType(k.DataType))
	}
	// a key is numeric only when every side stores it as an integer
	for i, s := range sources {
		for j, k := range param.UniqueKeys {
			if !s.DB.Dialect().IsIntegerType(sourceTypes[i][k]) {
				param.NumericKeys[j] = false
			}
		}
	}
	return param, nil
}

func (e *Executor) Execute(ctx context.Context, item *job.ItemContext) error {
	cfg := item.Config
	startTime := time.Now()
	if err := item.SetStatus(ctx, constant.JobStatusRunning); err != nil {
		return err
	}

	parentRaw, err := item.API().GetJobConfiguration(ctx, cfg.ParentJobID)
	if err != nil {
		return fmt.Errorf("get the parent job [%s] configuration failed: %w", cfg.ParentJobID, err)
	}
	parent, err := job.UnmarshalConfiguration(parentRaw)
	if err != nil {
		return err
	}
	algorithm, err := NewAlgorithm(cfg.AlgorithmTypeName)
	if err != nil {
		return err
	}
	props, err := parseProps(cfg.AlgorithmProps)
	if err != nil {
		return err
	}

	o := &opened{}
	defer o.close()
	var sources []Side
	for _, s := range parent.Sources {
		db, err := e.open(ctx, o, s.DataSource)
		if err != nil {
			return err
		}
		sources = append(sources, Side{DB: db, Table: s.Table})
	}
	targetDB, err := e.open(ctx, o, parent.Target.DataSource)
	if err != nil {
		return err
	}
	logicTable := parent.Target.Table
	param, err := tableParam(ctx, logicTable, sources, Side{DB: targetDB, Table: parent.Target.Table}, props)
	if err != nil {
		return err
	}

	var total int64
	for _, s := range sources {
		n, err := countRecords(ctx, s)
		if err != nil {
			return err
		}
		total += n
	}
	persistCtx := context.WithoutCancel(ctx)
	item.Update(func(p *job.ItemProgress) {
		p.Check = &job.CheckProgress{
			TableNames:           []string{logicTable},
			RecordsCount:         total,
			CheckBeginTimeMillis: startTime.UnixMilli(),
		}
	})
	if err = item.Persist(ctx); err != nil {
		return err
	}
	param.Stopped = item.Stopping
	param.Progress = func(checked int64) {
		item.Update(func(p *job.ItemProgress) {
			p.Check.CheckedRecordsCount += checked
		})
		if err := item.Persist(persistCtx); err != nil {
			logger.Warn("persist the consistency check progress failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}

	results, err := e.checkTables(ctx, algorithm, []*TableParam{param}, props.tableConcurrency)
	if err != nil {
		return err
	}
	if item.Stopping() {
		return nil
	}

	s, err := results.Marshal()
	if err != nil {
		return err
	}
	if err = item.API().PersistCheckResult(ctx, cfg.ParentJobID, cfg.JobID, s); err != nil {
		return err
	}
	e.publish(ctx, cfg, algorithm.Type(), results, props.reportURL)

	item.Update(func(p *job.ItemProgress) {
		p.Check.CheckEndTimeMillis = time.Now().UnixMilli()
		for _, name := range results.TableNames() {
			if results[name].IgnoredType != "" {
				p.Check.IgnoredTableNames = append(p.Check.IgnoredTableNames, name)
			}
		}
		p.ProcessedRecordCount = p.Check.CheckedRecordsCount
	})
	logger.Info("the consistency check finished",
		zap.String("job_id", cfg.JobID),
		zap.String("parent_job_id", cfg.ParentJobID),
		zap.String("algorithm", algorithm.Type()),
		zap.Bool("matched", results.Matched()),
		zap.String("cost", time.Since(startTime).String()))
	return item.SetStatus(ctx, constant.JobStatusFinished)
}

// checkTables runs the algorithm on the tables through a worker pool, the first failure is returned
func (e *Executor) checkTables(ctx context.Context, algorithm Algorithm, params []*TableParam, concurrency int) (Results, error) {
	var (
		mu      sync.Mutex
		results = make(Results, len(params))
		errs    []error
	)
	p := pool.NewPool(ctx, concurrency,
		pool.WithTaskQueueSize(len(params)),
		pool.WithRetryCount(constant.DefaultCheckRetryCount),
		pool.WithPanicHandle(true),
		pool.WithExecuteHandle(func(ctx context.Context, t pool.Task) error {
			param := t.Job.(*TableParam)
			res, err := algorithm.Check(ctx, param)
			if err != nil {
				return err
			}
			mu.Lock()
			results[param.LogicTable] = res
			mu.Unlock()
			return nil
		}),
		pool.WithResultCallback(func(r pool.Result) {
			if r.Error != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("check the table [%s] failed: %w", r.Task.Name, r.Error))
				mu.Unlock()
			}
		}))
	for _, param := range params {
		p.SubmitTask(pool.Task{Name: param.LogicTable, Group: algorithm.Type(), Job: param})
	}
	p.Release()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

// publish exports the report and archives the results, failures are only logged
func (e *Executor) publish(ctx context.Context, cfg *job.Configuration, algorithmType string, results Results, reportURL string) {
	if reportURL != "" {
		err := ExportReport(ctx, reportURL, &Report{
			ParentJobID:   cfg.ParentJobID,
			CheckJobID:    cfg.JobID,
			AlgorithmType: algorithmType,
			Matched:       results.Matched(),
			FinishedAt:    time.Now(),
			Results:       results,
		})
		if err != nil {
			logger.Warn("export the consistency check report failed", zap.String("job_id", cfg.JobID), zap.Error(err))
		}
	}
	if e.archive != nil {
		archives, err := Archives(cfg.ParentJobID, cfg.JobID, results)
		if err == nil {
			err = e.archive.CreateCheckArchive(ctx, archives)
		}
		if err != nil {
			logger.Warn("archive the consistency check results failed", zap.String("job_id", cfg.JobID), zap.Error(err))
		}
	}
}
