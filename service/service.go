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
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	modeltask "github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/pipeline/check"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// ErrJobNotFound is returned when the migration job does not exist
var ErrJobNotFound = errors.New("the migration job not found")

// PipelineConfig holds the job defaults, the [pipeline] section of the server config
type PipelineConfig struct {
	BatchSize       int  `toml:"batch-size" json:"batchSize"`
	FetchSize       int  `toml:"fetch-size" json:"fetchSize"`
	ChannelCapacity int  `toml:"channel-capacity" json:"channelCapacity"`
	Concurrency     int  `toml:"concurrency" json:"concurrency"`
	ImporterLanes   int  `toml:"importer-lanes" json:"importerLanes"`
	RetryTimes      uint `toml:"retry-times" json:"retryTimes"`
	// InventoryOnly creates jobs that finish once the inventory is copied
	InventoryOnly bool `toml:"inventory-only" json:"inventoryOnly"`
	// TargetDataSource is used when a MIGRATE statement names no target storage unit
	TargetDataSource string `toml:"target-datasource" json:"targetDatasource"`
}

// MigrationService implements the migration administration commands
type MigrationService struct {
	jobs      *governance.JobAPI
	runner    *job.Runner
	checks    *check.API
	migration *job.MigrationExecutor
	sources   datasource.IDatasource
	opener    job.Opener
	newJobID  job.IDGenerator
	pipeline  *PipelineConfig
	logRW     modeltask.ILog
	archiveRW modeltask.ICheckArchive
}

type Option func(*MigrationService)

// WithJobIDGenerator replaces the random job id generator
func WithJobIDGenerator(gen job.IDGenerator) Option {
	return func(s *MigrationService) {
		s.newJobID = gen
	}
}

func WithPipelineConfig(cfg *PipelineConfig) Option {
	return func(s *MigrationService) {
		if cfg != nil {
			s.pipeline = cfg
		}
	}
}

// WithTaskLog removes the job logs on rollback
func WithTaskLog(logRW modeltask.ILog) Option {
	return func(s *MigrationService) {
		s.logRW = logRW
	}
}

// WithCheckArchive removes the archived check results on rollback
func WithCheckArchive(archiveRW modeltask.ICheckArchive) Option {
	return func(s *MigrationService) {
		s.archiveRW = archiveRW
	}
}

func NewMigrationService(jobs *governance.JobAPI, runner *job.Runner, sources datasource.IDatasource, opener job.Opener, opts ...Option) *MigrationService {
	s := &MigrationService{
		jobs:      jobs,
		runner:    runner,
		checks:    check.NewAPI(jobs, runner),
		migration: job.NewMigrationExecutor(sources, opener),
		sources:   sources,
		opener:    opener,
		newJobID:  job.NewJobID,
		pipeline:  &PipelineConfig{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MigrationService) getConfiguration(ctx context.Context, jobID string) (*job.Configuration, error) {
	if jobType, err := job.JobTypeOf(jobID); err != nil || jobType != constant.JobTypeMigration {
		return nil, fmt.Errorf("%w: [%s]", ErrJobNotFound, jobID)
	}
	raw, err := s.jobs.GetJobConfiguration(ctx, jobID)
	if errors.Is(err, governance.ErrNotFound) {
		return nil, fmt.Errorf("%w: [%s]", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job.UnmarshalConfiguration(raw)
}

func (s *MigrationService) persist(ctx context.Context, cfg *job.Configuration) error {
	str, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return s.jobs.PersistJobConfiguration(ctx, cfg.JobID, str)
}

// tableExists opens the storage unit and reads the table columns
func (s *MigrationService) tableExists(ctx context.Context, ref job.TableRef) error {
	desc, err := s.sources.GetDatasource(ctx, ref.DataSource)
	if err != nil {
		return err
	}
	db, err := s.opener.NewDatabase(ctx, desc)
	if err != nil {
		return fmt.Errorf("open the storage unit [%s] failed: %v", ref.DataSource, err)
	}
	defer db.Close()
	columns, err := db.GetTableColumns(ctx, ref.Table)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("the table [%s] is not exist", ref.String())
	}
	return nil
}

// Migrate creates a migration job copying the source tables into the target table and starts it
func (s *MigrationService) Migrate(ctx context.Context, sources []job.TableRef, target job.TableRef) (string, error) {
	if len(sources) == 0 {
		return "", fmt.Errorf("the migration requires at least one source table")
	}
	if target.DataSource == "" {
		target.DataSource = s.pipeline.TargetDataSource
	}
	if target.DataSource == "" {
		return "", fmt.Errorf("the target table [%s] requires a storage unit", target.Table)
	}
	for _, ref := range append(append([]job.TableRef(nil), sources...), target) {
		if err := s.tableExists(ctx, ref); err != nil {
			return "", err
		}
	}

	cfg := &job.Configuration{
		JobID:           s.newJobID(),
		JobType:         constant.JobTypeMigration,
		CreateTime:      stringutil.CurrentTimeFormatString(),
		ShardingCount:   len(sources),
		Sources:         sources,
		Target:          target,
		Incremental:     !s.pipeline.InventoryOnly,
		Concurrency:     s.pipeline.Concurrency,
		ImporterLanes:   s.pipeline.ImporterLanes,
		BatchSize:       s.pipeline.BatchSize,
		FetchSize:       s.pipeline.FetchSize,
		ChannelCapacity: s.pipeline.ChannelCapacity,
		RetryTimes:      s.pipeline.RetryTimes,
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := s.persist(ctx, cfg); err != nil {
		return "", err
	}
	logger.Info("the migration job created",
		zap.String("job_id", cfg.JobID),
		zap.Any("sources", cfg.Sources),
		zap.String("target", cfg.Target.String()))
	if err := s.runner.Start(ctx, cfg); err != nil {
		return cfg.JobID, err
	}
	return cfg.JobID, nil
}

// JobInfo is one row of the migration job list
type JobInfo struct {
	JobID         string `json:"jobId"`
	Tables        string `json:"tables"`
	Target        string `json:"target"`
	ShardingCount int    `json:"shardingCount"`
	Active        bool   `json:"active"`
	CreateTime    string `json:"createTime"`
	StopTime      string `json:"stopTime"`
}

func (s *MigrationService) List(ctx context.Context) ([]*JobInfo, error) {
	configs, err := s.jobs.ListJobConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	var infos []*JobInfo
	for jobID, raw := range configs {
		if jobType, err := job.JobTypeOf(jobID); err != nil || jobType != constant.JobTypeMigration {
			continue
		}
		cfg, err := job.UnmarshalConfiguration(raw)
		if err != nil {
			logger.Warn("skip the unreadable job configuration", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		tables := make([]string, 0, len(cfg.Sources))
		for _, src := range cfg.Sources {
			tables = append(tables, src.String())
		}
		infos = append(infos, &JobInfo{
			JobID:         cfg.JobID,
			Tables:        stringutil.StringJoin(tables, constant.StringSeparatorComma),
			Target:        cfg.Target.String(),
			ShardingCount: cfg.ShardingCount,
			Active:        !cfg.Disabled,
			CreateTime:    cfg.CreateTime,
			StopTime:      cfg.StopTime,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreateTime != infos[j].CreateTime {
			return infos[i].CreateTime < infos[j].CreateTime
		}
		return infos[i].JobID < infos[j].JobID
	})
	return infos, nil
}

// ItemStatus is the state of one sharding item of a migration job
type ItemStatus struct {
	ShardingItem                int    `json:"shardingItem"`
	Source                      string `json:"source"`
	Status                      string `json:"status"`
	Active                      bool   `json:"active"`
	ProcessedRecordCount        int64  `json:"processedRecordCount"`
	InventoryFinishedPercentage int    `json:"inventoryFinishedPercentage"`
	IncrementalPosition         string `json:"incrementalPosition"`
	IncrementalDelayMillis      int64  `json:"incrementalDelayMillis"`
	IncrementalIdleSeconds      int64  `json:"incrementalIdleSeconds"`
	ErrorMessage                string `json:"errorMessage"`
}

func (s *MigrationService) Status(ctx context.Context, jobID string) ([]*ItemStatus, error) {
	cfg, err := s.getConfiguration(ctx, jobID)
	if err != nil {
		return nil, err
	}
	progresses, err := job.LoadItemProgresses(ctx, s.jobs, jobID)
	if err != nil {
		return nil, err
	}
	nowMillis := time.Now().UnixMilli()
	statuses := make([]*ItemStatus, 0, cfg.ShardingCount)
	for i := 0; i < cfg.ShardingCount; i++ {
		st := &ItemStatus{ShardingItem: i, Active: !cfg.Disabled}
		if i < len(cfg.Sources) {
			st.Source = cfg.Sources[i].String()
		}
		if p, ok := progresses[i]; ok {
			st.Status = p.Status
			st.ProcessedRecordCount = p.ProcessedRecordCount
			st.InventoryFinishedPercentage = inventoryPercentage(p)
			st.ErrorMessage = p.ErrorMessage
			if p.Incremental != nil {
				st.IncrementalPosition = p.Incremental.Position
				st.IncrementalDelayMillis = p.Incremental.DelayMillis()
				if p.Incremental.LatestActiveTimeMillis > 0 {
					st.IncrementalIdleSeconds = (nowMillis - p.Incremental.LatestActiveTimeMillis) / 1000
				}
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func inventoryPercentage(p *job.ItemProgress) int {
	if len(p.Inventory) == 0 {
		return 0
	}
	finished := 0
	for _, pos := range p.Inventory {
		if pos == (position.Finished{}).String() {
			finished++
		}
	}
	return finished * 100 / len(p.Inventory)
}

// Start enables a stopped migration job and runs it
func (s *MigrationService) Start(ctx context.Context, jobID string) error {
	cfg, err := s.getConfiguration(ctx, jobID)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		cfg.Disabled = false
		cfg.StopTime = ""
		if err = s.persist(ctx, cfg); err != nil {
			return err
		}
	}
	return s.runner.Start(ctx, cfg)
}

// Stop disables the migration job, the instances running its items stop them
func (s *MigrationService) Stop(ctx context.Context, jobID string) error {
	cfg, err := s.getConfiguration(ctx, jobID)
	if err != nil {
		return err
	}
	return s.stop(ctx, cfg)
}

func (s *MigrationService) stop(ctx context.Context, cfg *job.Configuration) error {
	if !cfg.Disabled {
		cfg.Disabled = true
		cfg.StopTime = stringutil.CurrentTimeFormatString()
		if err := s.persist(ctx, cfg); err != nil {
			return err
		}
	}
	return s.runner.Stop(ctx, cfg.JobID)
}

// Commit completes a migration whose inventory is copied: the job is stopped,
// the change streams of its sources are released and every item becomes FINISHED
func (s *MigrationService) Commit(ctx context.Context, jobID string) error {
	cfg, err := s.getConfiguration(ctx, jobID)
	if err != nil {
		return err
	}
	progresses, err := job.LoadItemProgresses(ctx, s.jobs, jobID)
	if err != nil {
		return err
	}
	if !job.IsInventoryFinished(cfg.ShardingCount, progresses) {
		return fmt.Errorf("%w: job [%s]", check.ErrInventoryNotFinished, jobID)
	}
	if err = s.stop(ctx, cfg); err != nil {
		return err
	}
	if err = s.checks.Stop(ctx, jobID); err != nil && !errors.Is(err, check.ErrCheckNotFound) {
		return err
	}
	if err = s.migration.Clean(ctx, cfg); err != nil {
		return err
	}
	// the item progress is read again, stopping persisted STOPPED
	if progresses, err = job.LoadItemProgresses(ctx, s.jobs, jobID); err != nil {
		return err
	}
	for item, p := range progresses {
		p.Status = constant.JobStatusFinished
		p.ErrorMessage = ""
		str, err := p.Marshal()
		if err != nil {
			return err
		}
		if err = s.jobs.PersistItemProgress(ctx, jobID, item, str); err != nil {
			return err
		}
	}
	logger.Info("the migration job committed", zap.String("job_id", jobID))
	return nil
}

// Rollback stops the migration job and removes it with its checks and logs,
// the target data is left untouched
func (s *MigrationService) Rollback(ctx context.Context, jobID string) error {
	cfg, err := s.getConfiguration(ctx, jobID)
	if err != nil {
		return err
	}
	if err = s.stop(ctx, cfg); err != nil {
		return err
	}
	if err = s.migration.Clean(ctx, cfg); err != nil {
		return err
	}
	if err = s.checks.Clean(ctx, jobID); err != nil {
		return err
	}
	if err = s.jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if s.archiveRW != nil {
		if err = s.archiveRW.DeleteCheckArchive(ctx, jobID); err != nil {
			return err
		}
	}
	if s.logRW != nil {
		if err = s.logRW.DeleteLog(ctx, []string{jobID}); err != nil {
			return err
		}
	}
	logger.Info("the migration job rolled back", zap.String("job_id", jobID))
	return nil
}

// Check starts a consistency check of the migration job, an empty algorithm is DATA_MATCH
func (s *MigrationService) Check(ctx context.Context, jobID, algorithmType string, props map[string]string) (string, error) {
	if _, err := s.getConfiguration(ctx, jobID); err != nil {
		return "", err
	}
	return s.checks.Start(ctx, jobID, algorithmType, props)
}

func (s *MigrationService) CheckStatus(ctx context.Context, jobID string) (*check.Status, error) {
	if _, err := s.getConfiguration(ctx, jobID); err != nil {
		return nil, err
	}
	return s.checks.Status(ctx, jobID)
}

func (s *MigrationService) StartCheck(ctx context.Context, jobID string) error {
	if _, err := s.getConfiguration(ctx, jobID); err != nil {
		return err
	}
	return s.checks.StartExisting(ctx, jobID)
}

func (s *MigrationService) StopCheck(ctx context.Context, jobID string) error {
	if _, err := s.getConfiguration(ctx, jobID); err != nil {
		return err
	}
	return s.checks.Stop(ctx, jobID)
}

func (s *MigrationService) DropCheck(ctx context.Context, jobID string) error {
	if _, err := s.getConfiguration(ctx, jobID); err != nil {
		return err
	}
	return s.checks.Drop(ctx, jobID)
}

func (s *MigrationService) CheckAlgorithms() []check.AlgorithmInfo {
	return check.Algorithms()
}
