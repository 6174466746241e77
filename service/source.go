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
	"fmt"

	"github.com/scylladb/go-set/strset"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/constant"
)

// SourceInfo is a registered migration source storage unit without its password
type SourceInfo struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	URL      string            `json:"url"`
	Username string            `json:"username"`
	Props    map[string]string `json:"props,omitempty"`
}

// RegisterSources verifies the connection of every storage unit before registering them
func (s *MigrationService) RegisterSources(ctx context.Context, descs []*datasource.Descriptor) error {
	if len(descs) == 0 {
		return fmt.Errorf("the storage unit can't be null, please configure the storage unit")
	}
	for _, desc := range descs {
		dbType, err := database.ResolveDatabaseType(desc)
		if err != nil {
			return err
		}
		desc.DbType = dbType
		db, err := s.opener.NewDatabase(ctx, desc)
		if err != nil {
			return fmt.Errorf("open the storage unit [%s] failed: %v", desc.Name, err)
		}
		err = db.PingDatabaseConnection(ctx)
		db.Close()
		if err != nil {
			return fmt.Errorf("ping the storage unit [%s] failed: %v", desc.Name, err)
		}
	}
	for _, desc := range descs {
		if _, err := s.sources.CreateDatasource(ctx, desc); err != nil {
			return err
		}
		logger.Info("the migration source storage unit registered",
			zap.String("datasource", desc.Name),
			zap.String("type", desc.DbType))
	}
	return nil
}

// UnregisterSources removes storage units not used by an active migration job
func (s *MigrationService) UnregisterSources(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.sources.GetDatasource(ctx, name); err != nil {
			return err
		}
	}
	configs, err := s.jobs.ListJobConfigurations(ctx)
	if err != nil {
		return err
	}
	unregistered := strset.New(names...)
	for jobID, raw := range configs {
		if jobType, err := job.JobTypeOf(jobID); err != nil || jobType != constant.JobTypeMigration {
			continue
		}
		cfg, err := job.UnmarshalConfiguration(raw)
		if err != nil || cfg.Disabled {
			continue
		}
		for _, src := range cfg.Sources {
			if unregistered.Has(src.DataSource) {
				return fmt.Errorf("the storage unit [%s] is used by the migration job [%s]", src.DataSource, jobID)
			}
		}
	}
	if err = s.sources.DeleteDatasource(ctx, names); err != nil {
		return err
	}
	logger.Info("the migration source storage units unregistered", zap.Strings("datasource", names))
	return nil
}

func (s *MigrationService) ListSources(ctx context.Context) ([]*SourceInfo, error) {
	dataS, err := s.sources.ListDatasource(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	infos := make([]*SourceInfo, 0, len(dataS))
	for _, ds := range dataS {
		desc, err := ds.Descriptor()
		if err != nil {
			return nil, err
		}
		infos = append(infos, &SourceInfo{
			Name:     desc.Name,
			Type:     desc.DbType,
			URL:      desc.URL,
			Username: desc.Username,
			Props:    desc.Props,
		})
	}
	return infos, nil
}
