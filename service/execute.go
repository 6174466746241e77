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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wentaojin/scaling/utils/constant"
)

// Result is the tabular outcome of a statement
type Result struct {
	Message string     `json:"message,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

// Execute parses and runs one statement
func (s *MigrationService) Execute(ctx context.Context, sql string) (*Result, error) {
	stmt, err := ParseStatement(sql)
	if err != nil {
		return nil, err
	}
	return s.ExecuteStatement(ctx, stmt)
}

func (s *MigrationService) ExecuteStatement(ctx context.Context, stmt *Statement) (*Result, error) {
	switch stmt.Kind {
	case StmtMigrateTable:
		jobID, err := s.Migrate(ctx, stmt.Sources, stmt.Target)
		if err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("the migration job [%s] created", jobID), Columns: []string{"job_id"}, Rows: [][]string{{jobID}}}, nil
	case StmtCheckMigration:
		checkJobID, err := s.Check(ctx, stmt.JobID, stmt.AlgorithmType, stmt.AlgorithmProps)
		if err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("the consistency check job [%s] created", checkJobID), Columns: []string{"check_job_id"}, Rows: [][]string{{checkJobID}}}, nil
	case StmtCommitMigration:
		return done(stmt, "committed", s.Commit(ctx, stmt.JobID))
	case StmtRollbackMigration:
		return done(stmt, "rolled back", s.Rollback(ctx, stmt.JobID))
	case StmtStartMigration:
		return done(stmt, "started", s.Start(ctx, stmt.JobID))
	case StmtStopMigration:
		return done(stmt, "stopped", s.Stop(ctx, stmt.JobID))
	case StmtStartMigrationCheck:
		return done(stmt, "check started", s.StartCheck(ctx, stmt.JobID))
	case StmtStopMigrationCheck:
		return done(stmt, "check stopped", s.StopCheck(ctx, stmt.JobID))
	case StmtDropMigrationCheck:
		return done(stmt, "check dropped", s.DropCheck(ctx, stmt.JobID))
	case StmtShowMigrationList:
		return s.showList(ctx)
	case StmtShowMigrationStatus:
		return s.showStatus(ctx, stmt.JobID)
	case StmtShowCheckStatus:
		return s.showCheckStatus(ctx, stmt.JobID)
	case StmtShowCheckAlgorithms:
		res := &Result{Columns: []string{"type", "supported_database_types", "description"}}
		for _, a := range s.CheckAlgorithms() {
			res.Rows = append(res.Rows, []string{a.Type, a.SupportedDatabaseTypes, a.Description})
		}
		return res, nil
	case StmtShowSourceUnits:
		return s.showSources(ctx)
	case StmtRegisterSourceUnit:
		if err := s.RegisterSources(ctx, stmt.StorageUnits); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("%d storage unit(s) registered", len(stmt.StorageUnits))}, nil
	case StmtUnregisterSourceUnit:
		if err := s.UnregisterSources(ctx, stmt.Names); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("%d storage unit(s) unregistered", len(stmt.Names))}, nil
	default:
		return nil, fmt.Errorf("the statement kind [%s] is not support", stmt.Kind)
	}
}

func done(stmt *Statement, action string, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("the migration job [%s] %s", stmt.JobID, action)}, nil
}

func (s *MigrationService) showList(ctx context.Context) (*Result, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"id", "tables", "target", "job_item_count", "active", "create_time", "stop_time"}}
	for _, i := range infos {
		res.Rows = append(res.Rows, []string{i.JobID, i.Tables, i.Target, strconv.Itoa(i.ShardingCount),
			strconv.FormatBool(i.Active), i.CreateTime, i.StopTime})
	}
	return res, nil
}

func (s *MigrationService) showStatus(ctx context.Context, jobID string) (*Result, error) {
	statuses, err := s.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"item", "source", "status", "active", "processed_records_count",
		"inventory_finished_percentage", "incremental_position", "incremental_delay_millis", "incremental_idle_seconds", "error_message"}}
	for _, st := range statuses {
		res.Rows = append(res.Rows, []string{
			strconv.Itoa(st.ShardingItem), st.Source, st.Status, strconv.FormatBool(st.Active),
			strconv.FormatInt(st.ProcessedRecordCount, 10), strconv.Itoa(st.InventoryFinishedPercentage),
			st.IncrementalPosition, strconv.FormatInt(st.IncrementalDelayMillis, 10),
			strconv.FormatInt(st.IncrementalIdleSeconds, 10), st.ErrorMessage,
		})
	}
	return res, nil
}

func (s *MigrationService) showCheckStatus(ctx context.Context, jobID string) (*Result, error) {
	st, err := s.CheckStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"check_job_id", "table_name", "status", "result", "check_failed_tables",
		"ignored_tables", "finished_percentage", "remaining_seconds", "records_count", "checked_records_count",
		"check_begin_time", "check_end_time", "error_message"}}

	var failed []string
	for _, name := range st.Results.TableNames() {
		if !st.Results[name].Matched() {
			failed = append(failed, name)
		}
	}
	row := []string{st.CheckJobID, "", st.Status, "", strings.Join(failed, constant.StringSeparatorComma), "",
		strconv.Itoa(st.Percentage), strconv.FormatInt(st.RemainingSeconds, 10), "", "", "", "", st.ErrorMessage}
	if st.Progress != nil {
		row[1] = strings.Join(st.Progress.TableNames, constant.StringSeparatorComma)
		row[5] = strings.Join(st.Progress.IgnoredTableNames, constant.StringSeparatorComma)
		row[8] = strconv.FormatInt(st.Progress.RecordsCount, 10)
		row[9] = strconv.FormatInt(st.Progress.CheckedRecordsCount, 10)
		row[10] = millisString(st.Progress.CheckBeginTimeMillis)
		row[11] = millisString(st.Progress.CheckEndTimeMillis)
	}
	if st.Results != nil {
		row[3] = strconv.FormatBool(st.Results.Matched())
	}
	res.Rows = append(res.Rows, row)
	return res, nil
}

func (s *MigrationService) showSources(ctx context.Context) (*Result, error) {
	infos, err := s.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"name", "type", "url", "username", "other_attributes"}}
	for _, i := range infos {
		keys := make([]string, 0, len(i.Props))
		for k := range i.Props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]string, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, k+"="+i.Props[k])
		}
		res.Rows = append(res.Rows, []string{i.Name, i.Type, i.URL, i.Username, strings.Join(attrs, constant.StringSeparatorComma)})
	}
	return res, nil
}

func millisString(millis int64) string {
	if millis <= 0 {
		return ""
	}
	return time.UnixMilli(millis).Format(time.DateTime)
}
