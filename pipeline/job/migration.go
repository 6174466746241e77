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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/importer"
	"github.com/wentaojin/scaling/pipeline/ingest"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/pipeline/split"
	"github.com/wentaojin/scaling/pipeline/task"
	"github.com/wentaojin/scaling/utils/constant"
)

// DatasourceResolver looks up a registered storage unit
type DatasourceResolver interface {
	GetDatasource(ctx context.Context, datasourceName string) (*datasource.Descriptor, error)
}

// Opener opens a storage unit, *database.Factory implements it
type Opener interface {
	NewDatabase(ctx context.Context, desc *datasource.Descriptor) (database.IDatabase, error)
}

// Executor runs one sharding item of a job type until it completes, fails or is stopped
type Executor interface {
	Execute(ctx context.Context, item *ItemContext) error
}

// MigrationExecutor copies the inventory of a source table and then streams its changes
type MigrationExecutor struct {
	resolver DatasourceResolver
	opener   Opener
}

func NewMigrationExecutor(resolver DatasourceResolver, opener Opener) *MigrationExecutor {
	return &MigrationExecutor{resolver: resolver, opener: opener}
}

func inventoryTaskID(jobID string, shardingItem, n int) string {
	return fmt.Sprintf("%s-%d-inventory-%d", jobID, shardingItem, n)
}

func incrementalTaskID(jobID string, shardingItem int) string {
	return fmt.Sprintf("%s-%d-incremental", jobID, shardingItem)
}

func (e *MigrationExecutor) open(ctx context.Context, name string) (*datasource.Descriptor, database.IDatabase, error) {
	desc, err := e.resolver.GetDatasource(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	db, err := e.opener.NewDatabase(ctx, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("open the storage unit [%s] failed: %v", name, err)
	}
	return desc, db, nil
}

func (e *MigrationExecutor) Execute(ctx context.Context, item *ItemContext) error {
	cfg := item.Config
	if item.ShardingItem >= len(cfg.Sources) {
		return fmt.Errorf("the job [%s] sharding item [%d] has no source table", cfg.JobID, item.ShardingItem)
	}
	src := cfg.Sources[item.ShardingItem]
	startTime := time.Now()

	if err := item.SetStatus(ctx, constant.JobStatusPreparing); err != nil {
		return err
	}
	srcDesc, source, err := e.open(ctx, src.DataSource)
	if err != nil {
		return err
	}
	defer source.Close()
	_, target, err := e.open(ctx, cfg.Target.DataSource)
	if err != nil {
		return err
	}
	defer target.Close()

	cols, err := source.GetTableColumns(ctx, src.Table)
	if err != nil {
		return err
	}
	if len(database.PrimaryKeys(cols)) == 0 {
		return fmt.Errorf("%w: the job [%s] source table [%s] can not be migrated idempotently", importer.ErrNoUniqueKey, cfg.JobID, src.Table)
	}

	incCfg := &ingest.IncrementalConfig{
		JobID:        cfg.JobID,
		ShardingItem: item.ShardingItem,
		DataSource:   srcDesc,
		Tables:       []string{src.Table},
		BatchSize:    cfg.BatchSize,
	}
	// the change stream position is taken before the inventory snapshot, the
	// overlap is replayed by idempotent writes
	if err = e.prepareIncremental(ctx, item, source, incCfg); err != nil {
		return err
	}
	inventory, err := e.prepareInventory(ctx, item, source, target, src.Table)
	if err != nil {
		return err
	}
	if err = item.Persist(ctx); err != nil {
		return err
	}

	if p := item.Progress(); !p.InventoryFinished() {
		if err = item.SetStatus(ctx, constant.JobStatusExecuteInventoryTask); err != nil {
			return err
		}
		group := task.NewHistoryGroup(
			fmt.Sprintf("%s-%d-inventory", cfg.JobID, item.ShardingItem), cfg.concurrency(), inventory...)
		item.SetTasks(inventory, nil)
		if err = group.Prepare(ctx); err != nil {
			return err
		}
		res := <-group.Start(ctx)
		if res.Err != nil {
			return res.Err
		}
		if item.Stopping() || !group.Progress().Finished {
			return nil
		}
		logger.Info("job item inventory finished",
			zap.String("job_id", cfg.JobID),
			zap.Int("sharding_item", item.ShardingItem),
			zap.Int64("processed", res.Processed),
			zap.String("cost", time.Since(startTime).String()))
	}

	if !cfg.Incremental {
		return item.SetStatus(ctx, constant.JobStatusFinished)
	}
	return e.runIncremental(ctx, item, source, target, incCfg, inventory)
}

func (e *MigrationExecutor) prepareIncremental(ctx context.Context, item *ItemContext, source database.IDatabase, incCfg *ingest.IncrementalConfig) error {
	if !item.Config.Incremental {
		return nil
	}
	is, ok := source.(ingest.IncrementalSource)
	if !ok {
		return fmt.Errorf("the job [%s] source database type [%s] does not support incremental", item.JobID, source.Dialect().DatabaseType())
	}
	p := item.Progress()
	if p.Incremental != nil && p.Incremental.Position != "" {
		pos, err := source.Dialect().ParsePosition(p.Incremental.Position)
		if err != nil {
			return fmt.Errorf("the job [%s] sharding item [%d] incremental position is unreadable: %v", item.JobID, item.ShardingItem, err)
		}
		incCfg.Position = pos
		return nil
	}
	pos, err := is.CurrentPosition(ctx, incCfg)
	if err != nil {
		return fmt.Errorf("the job [%s] sharding item [%d] capture the incremental position failed: %w", item.JobID, item.ShardingItem, err)
	}
	incCfg.Position = pos
	item.Update(func(ip *ItemProgress) {
		ip.Incremental = &IncrementalProgress{
			Position:               pos.String(),
			LatestActiveTimeMillis: time.Now().UnixMilli(),
		}
	})
	logger.Info("job item incremental position captured",
		zap.String("job_id", item.JobID),
		zap.Int("sharding_item", item.ShardingItem),
		zap.String("position", pos.String()))
	return item.Persist(ctx)
}

// prepareInventory splits the table on the first run and rebuilds the tasks
// from the persisted positions on a resume
func (e *MigrationExecutor) prepareInventory(ctx context.Context, item *ItemContext, source, target database.IDatabase, table string) ([]task.SyncTask, error) {
	cfg := item.Config
	p := item.Progress()
	if len(p.Inventory) == 0 {
		plan, err := split.Split(ctx, source, table, cfg.concurrency())
		if err != nil {
			return nil, err
		}
		item.Update(func(ip *ItemProgress) {
			ip.SourceDatabaseType = source.Dialect().DatabaseType()
			ip.InventoryKey = plan.PrimaryKey
			for n, pos := range plan.Positions {
				ip.Inventory[inventoryTaskID(cfg.JobID, item.ShardingItem, n)] = pos.String()
			}
		})
		p = item.Progress()
	}

	persistCtx := context.WithoutCancel(ctx)
	var tasks []task.SyncTask
	for n := 0; ; n++ {
		taskID := inventoryTaskID(cfg.JobID, item.ShardingItem, n)
		s, ok := p.Inventory[taskID]
		if !ok {
			break
		}
		pos, err := position.ParseInventory(s)
		if err != nil {
			return nil, fmt.Errorf("the job [%s] inventory task [%s] position is unreadable: %v", cfg.JobID, taskID, err)
		}
		tasks = append(tasks, task.NewHistory(&task.SyncConfiguration{
			TaskID:          taskID,
			ChannelCapacity: cfg.ChannelCapacity,
			Inventory: &ingest.InventoryConfig{
				TaskID:     taskID,
				TableName:  table,
				PrimaryKey: p.InventoryKey,
				Position:   pos,
				BatchSize:  cfg.BatchSize,
				FetchSize:  cfg.FetchSize,
				RetryTimes: cfg.RetryTimes,
			},
			Importer: &importer.ImporterConfig{
				TaskID:     taskID,
				TableNames: map[string]string{table: cfg.Target.Table},
				BatchSize:  cfg.BatchSize,
				RetryTimes: cfg.RetryTimes,
			},
			OnAck: func(tp task.Progress) {
				item.AckInventory(persistCtx, tp)
			},
		}, source, target))
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("the job [%s] sharding item [%d] has no inventory task", cfg.JobID, item.ShardingItem)
	}
	return tasks, nil
}

func (e *MigrationExecutor) runIncremental(ctx context.Context, item *ItemContext, source, target database.IDatabase, incCfg *ingest.IncrementalConfig, inventory []task.SyncTask) error {
	cfg := item.Config
	persistCtx := context.WithoutCancel(ctx)
	rt, err := task.NewSyncTask(constant.TaskKindRealtime, &task.SyncConfiguration{
		TaskID:          incrementalTaskID(cfg.JobID, item.ShardingItem),
		Concurrency:     cfg.importerLanes(),
		ChannelCapacity: cfg.ChannelCapacity,
		Incremental:     incCfg,
		Importer: &importer.ImporterConfig{
			TableNames: map[string]string{incCfg.Tables[0]: cfg.Target.Table},
			BatchSize:  cfg.BatchSize,
			RetryTimes: cfg.RetryTimes,
		},
		OnAck: func(tp task.Progress) {
			item.AckIncremental(persistCtx, tp)
		},
	}, source, target)
	if err != nil {
		return err
	}
	item.SetTasks(inventory, []task.SyncTask{rt})
	if item.Stopping() {
		return nil
	}
	if err = rt.Prepare(ctx); err != nil {
		return err
	}
	if err = item.SetStatus(ctx, constant.JobStatusExecuteIncrementalTask); err != nil {
		return err
	}
	res := <-rt.Start(ctx)
	if res.Err != nil {
		return res.Err
	}
	logger.Info("job item incremental stopped",
		zap.String("job_id", cfg.JobID),
		zap.Int("sharding_item", item.ShardingItem),
		zap.String("position", fmt.Sprintf("%v", rt.Progress().Position)))
	return nil
}

// Clean releases the source side change stream resources of every item of a job
func (e *MigrationExecutor) Clean(ctx context.Context, cfg *Configuration) error {
	if !cfg.Incremental {
		return nil
	}
	for i, src := range cfg.Sources {
		desc, source, err := e.open(ctx, src.DataSource)
		if err != nil {
			return err
		}
		if cleaner, ok := source.(ingest.IncrementalCleaner); ok {
			err = cleaner.CleanIncremental(ctx, &ingest.IncrementalConfig{
				JobID:        cfg.JobID,
				ShardingItem: i,
				DataSource:   desc,
				Tables:       []string{src.Table},
			})
		}
		source.Close()
		if err != nil {
			return fmt.Errorf("the job [%s] sharding item [%d] clean incremental failed: %v", cfg.JobID, i, err)
		}
	}
	return nil
}
