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
package task

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wentaojin/scaling/model/common"
)

type RWLog struct {
	common.GormDB
}

func NewLogRW(db *gorm.DB) *RWLog {
	m := &RWLog{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWLog) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(Log{}).Name())
}

func (rw *RWLog) CreateLog(ctx context.Context, l *Log) (*Log, error) {
	err := rw.DB(ctx).Create(l).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return l, nil
}

func (rw *RWLog) QueryLog(ctx context.Context, jobID string, limit int) ([]*Log, error) {
	var dataS []*Log
	err := rw.DB(ctx).Model(&Log{}).Where("job_id = ?", jobID).Order("created_at desc").Limit(limit).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("query table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWLog) DeleteLog(ctx context.Context, jobIDs []string) error {
	err := rw.DB(ctx).Where("job_id IN (?)", jobIDs).Delete(&Log{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWCheckArchive struct {
	common.GormDB
}

func NewCheckArchiveRW(db *gorm.DB) *RWCheckArchive {
	m := &RWCheckArchive{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWCheckArchive) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(CheckArchive{}).Name())
}

func (rw *RWCheckArchive) CreateCheckArchive(ctx context.Context, archives []*CheckArchive) error {
	if len(archives) == 0 {
		return nil
	}
	err := rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "parent_job_id"}, {Name: "check_job_id"}, {Name: "table_name"}},
		UpdateAll: true,
	}).Create(archives).Error
	if err != nil {
		return fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

func (rw *RWCheckArchive) QueryCheckArchive(ctx context.Context, parentJobID, checkJobID string) ([]*CheckArchive, error) {
	var dataS []*CheckArchive
	err := rw.DB(ctx).Model(&CheckArchive{}).Where("parent_job_id = ? AND check_job_id = ?", parentJobID, checkJobID).Order("table_name").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("query table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWCheckArchive) DeleteCheckArchive(ctx context.Context, parentJobID string) error {
	err := rw.DB(ctx).Where("parent_job_id = ?", parentJobID).Delete(&CheckArchive{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}
