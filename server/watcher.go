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
package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/constant"
)

// watchJobs follows the job configurations of the governance store, so a job
// created, stopped or dropped through any instance is run or stopped here
func (s *Server) watchJobs(ctx context.Context) {
	logger.Info("the server watch job event starting", zap.String("key with prefix", constant.DefaultGovernanceJobPrefixKey))

	err := s.repo.Watch(ctx, constant.DefaultGovernanceJobPrefixKey, func(ev governance.Event) {
		jobID, ok := governance.ParseJobConfigKey(ev.Key)
		if !ok {
			return
		}
		s.handleJobEvent(ctx, jobID, ev)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("the server watch job event failed", zap.Error(err))
		return
	}
	logger.Info("the server watch job event cancel", zap.String("key prefix", constant.DefaultGovernanceJobPrefixKey))
}

func (s *Server) handleJobEvent(ctx context.Context, jobID string, ev governance.Event) {
	if ev.Type == governance.EventDelete {
		if err := s.runner.Stop(ctx, jobID); err != nil {
			logger.Warn("stop the dropped job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}

	cfg, err := job.UnmarshalConfiguration(ev.Value)
	if err != nil {
		logger.Error("the job configuration is unreadable", zap.String("job_id", jobID), zap.String("key", ev.Key), zap.Error(err))
		return
	}
	if cfg.Disabled {
		if err = s.runner.Stop(ctx, jobID); err != nil {
			logger.Warn("stop the disabled job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}

	err = s.runner.Start(ctx, cfg)
	switch {
	case err == nil:
	case errors.Is(err, governance.ErrLocked):
		logger.Debug("the job sharding item is owned by another instance", zap.String("job_id", jobID), zap.Error(err))
	default:
		logger.Error("start the job failed", zap.String("job_id", jobID), zap.String("job_type", cfg.JobType), zap.Error(err))
	}
}
