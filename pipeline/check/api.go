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

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// API manages the consistency check jobs of migration jobs
type API struct {
	jobs   *governance.JobAPI
	runner *job.Runner
	// mu serializes the latest check id updates of this instance
	mu sync.Mutex
}

func NewAPI(jobs *governance.JobAPI, runner *job.Runner) *API {
	return &API{jobs: jobs, runner: runner}
}

// Status is the state of the latest check job of a migration job
type Status struct {
	ParentJobID      string             `json:"parentJobId"`
	CheckJobID       string             `json:"checkJobId"`
	AlgorithmType    string             `json:"algorithmType"`
	Status           string             `json:"status"`
	Progress         *job.CheckProgress `json:"progress,omitempty"`
	Percentage       int                `json:"percentage"`
	RemainingSeconds int64              `json:"remainingSeconds"`
	ErrorMessage     string             `json:"errorMessage,omitempty"`
	Results          Results            `json:"results,omitempty"`
}

func (a *API) parentConfiguration(ctx context.Context, parentJobID string) (*job.Configuration, error) {
	raw, err := a.jobs.GetJobConfiguration(ctx, parentJobID)
	if err != nil {
		return nil, fmt.Errorf("get the migration job [%s] failed: %w", parentJobID, err)
	}
	parent, err := job.UnmarshalConfiguration(raw)
	if err != nil {
		return nil, err
	}
	if parent.JobType != constant.JobTypeMigration {
		return nil, fmt.Errorf("the job [%s] type [%s] can not be checked", parentJobID, parent.JobType)
	}
	return parent, nil
}

func (a *API) checkStatus(ctx context.Context, checkJobID string) (*job.ItemProgress, error) {
	raw, err := a.jobs.GetItemProgress(ctx, checkJobID, 0)
	if errors.Is(err, governance.ErrNotFound) {
		return job.NewItemProgress(""), nil
	}
	if err != nil {
		return nil, err
	}
	return job.UnmarshalItemProgress(raw)
}

// Start creates the next check job of the migration job and runs it. The
// inventory of every sharding item must be finished and the latest check
// job, if any, must be FINISHED.
func (a *API) Start(ctx context.Context, parentJobID, algorithmType string, props map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent, err := a.parentConfiguration(ctx, parentJobID)
	if err != nil {
		return "", err
	}
	progresses, err := job.LoadItemProgresses(ctx, a.jobs, parentJobID)
	if err != nil {
		return "", err
	}
	if !job.IsInventoryFinished(parent.ShardingCount, progresses) {
		return "", fmt.Errorf("%w: job [%s]", ErrInventoryNotFinished, parentJobID)
	}
	algorithm, err := NewAlgorithm(algorithmType)
	if err != nil {
		return "", err
	}
	if _, err = parseProps(props); err != nil {
		return "", err
	}

	sequence := 0
	latest, err := a.jobs.GetLatestCheckJobID(ctx, parentJobID)
	if err != nil {
		return "", err
	}
	if latest != "" {
		p, err := a.checkStatus(ctx, latest)
		if err != nil {
			return "", err
		}
		if p.Status != constant.JobStatusFinished {
			return "", fmt.Errorf("%w: check job [%s] status [%s]", ErrJobAlreadyExists, latest, p.Status)
		}
		_, seq, err := ParseJobID(latest)
		if err != nil {
			return "", err
		}
		sequence = NextSequence(seq)
	}

	checkJobID := JobID(parentJobID, sequence)
	// a dropped check may leave data behind under a reused id
	if err = a.jobs.DeleteJob(ctx, checkJobID); err != nil {
		return "", err
	}
	if err = a.jobs.DeleteCheckResult(ctx, parentJobID, checkJobID); err != nil {
		return "", err
	}
	cfg := &job.Configuration{
		JobID:             checkJobID,
		JobType:           constant.JobTypeConsistencyCheck,
		CreateTime:        stringutil.CurrentTimeFormatString(),
		ShardingCount:     1,
		ParentJobID:       parentJobID,
		AlgorithmTypeName: algorithm.Type(),
		AlgorithmProps:    props,
	}
	if err = a.persist(ctx, cfg); err != nil {
		return "", err
	}
	if err = a.jobs.PersistLatestCheckJobID(ctx, parentJobID, checkJobID); err != nil {
		return "", err
	}
	logger.Info("the consistency check job created",
		zap.String("job_id", checkJobID),
		zap.String("parent_job_id", parentJobID),
		zap.String("algorithm", algorithm.Type()))
	if err = a.runner.Start(ctx, cfg); err != nil {
		return "", err
	}
	return checkJobID, nil
}

func (a *API) persist(ctx context.Context, cfg *job.Configuration) error {
	s, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return a.jobs.PersistJobConfiguration(ctx, cfg.JobID, s)
}

func (a *API) latest(ctx context.Context, parentJobID string) (*job.Configuration, error) {
	latest, err := a.jobs.GetLatestCheckJobID(ctx, parentJobID)
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, fmt.Errorf("%w: job [%s]", ErrCheckNotFound, parentJobID)
	}
	raw, err := a.jobs.GetJobConfiguration(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("get the check job [%s] failed: %w", latest, err)
	}
	return job.UnmarshalConfiguration(raw)
}

// StartExisting resumes the latest check job of the migration job
func (a *API) StartExisting(ctx context.Context, parentJobID string) error {
	cfg, err := a.latest(ctx, parentJobID)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		cfg.Disabled = false
		cfg.StopTime = ""
		if err = a.persist(ctx, cfg); err != nil {
			return err
		}
	}
	return a.runner.Start(ctx, cfg)
}

// Stop disables the latest check job and stops it when it runs on this instance
func (a *API) Stop(ctx context.Context, parentJobID string) error {
	cfg, err := a.latest(ctx, parentJobID)
	if err != nil {
		return err
	}
	if !cfg.Disabled {
		cfg.Disabled = true
		cfg.StopTime = stringutil.CurrentTimeFormatString()
		if err = a.persist(ctx, cfg); err != nil {
			return err
		}
	}
	return a.runner.Stop(ctx, cfg.JobID)
}

// Drop removes the latest check job, the previous check job becomes the latest
func (a *API) Drop(ctx context.Context, parentJobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.latest(ctx, parentJobID)
	if err != nil {
		return err
	}
	if a.runner.Running(cfg.JobID) {
		return fmt.Errorf("the check job [%s] is running, stop it first", cfg.JobID)
	}
	p, err := a.checkStatus(ctx, cfg.JobID)
	if err != nil {
		return err
	}
	if p.Status == constant.JobStatusRunning && !cfg.Disabled {
		return fmt.Errorf("the check job [%s] is running on another instance, stop it first", cfg.JobID)
	}
	_, sequence, err := ParseJobID(cfg.JobID)
	if err != nil {
		return err
	}
	if err = a.jobs.DeleteCheckResult(ctx, parentJobID, cfg.JobID); err != nil {
		return err
	}
	if err = a.jobs.DeleteJob(ctx, cfg.JobID); err != nil {
		return err
	}
	previous := JobID(parentJobID, PreviousSequence(sequence))
	_, err = a.jobs.GetJobConfiguration(ctx, previous)
	switch {
	case err == nil:
		err = a.jobs.PersistLatestCheckJobID(ctx, parentJobID, previous)
	case errors.Is(err, governance.ErrNotFound):
		err = a.jobs.DeleteLatestCheckJobID(ctx, parentJobID)
	}
	if err != nil {
		return err
	}
	logger.Info("the consistency check job dropped", zap.String("job_id", cfg.JobID), zap.String("parent_job_id", parentJobID))
	return nil
}

// Clean stops and removes every check job of the migration job
func (a *API) Clean(ctx context.Context, parentJobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	latest, err := a.jobs.GetLatestCheckJobID(ctx, parentJobID)
	if err != nil || latest == "" {
		return err
	}
	// the sequence may have wrapped, every id of the parent is cleaned
	for i := 0; i < sequenceLimit; i++ {
		checkJobID := JobID(parentJobID, i)
		if err = a.runner.Stop(ctx, checkJobID); err != nil {
			return err
		}
		if err = a.jobs.DeleteJob(ctx, checkJobID); err != nil {
			return err
		}
		if err = a.jobs.DeleteCheckResult(ctx, parentJobID, checkJobID); err != nil {
			return err
		}
	}
	return a.jobs.DeleteLatestCheckJobID(ctx, parentJobID)
}

// Status returns the state of the latest check job, results are filled once it finished
func (a *API) Status(ctx context.Context, parentJobID string) (*Status, error) {
	cfg, err := a.latest(ctx, parentJobID)
	if err != nil {
		return nil, err
	}
	p, err := a.checkStatus(ctx, cfg.JobID)
	if err != nil {
		return nil, err
	}
	s := &Status{
		ParentJobID:   parentJobID,
		CheckJobID:    cfg.JobID,
		AlgorithmType: cfg.AlgorithmTypeName,
		Status:        p.Status,
		Progress:      p.Check,
		ErrorMessage:  p.ErrorMessage,
	}
	if p.Check != nil {
		s.Percentage = p.Check.Percentage()
		s.RemainingSeconds = p.Check.RemainingSeconds(time.Now().UnixMilli())
	}
	if p.Status == constant.JobStatusFinished {
		if s.Results, err = a.GetResults(ctx, parentJobID, cfg.JobID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *API) GetResults(ctx context.Context, parentJobID, checkJobID string) (Results, error) {
	raw, err := a.jobs.GetCheckResult(ctx, parentJobID, checkJobID)
	if err != nil {
		return nil, fmt.Errorf("get the check job [%s] results failed: %w", checkJobID, err)
	}
	return UnmarshalResults(raw)
}
