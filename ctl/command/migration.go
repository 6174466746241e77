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
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/constant"
)

// ParseTableRef splits a [datasource.]table reference
func ParseTableRef(s string) (openapi.TableRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return openapi.TableRef{}, fmt.Errorf("the table reference can't be null")
	}
	ds, table, found := strings.Cut(s, constant.StringSeparatorDot)
	if !found {
		return openapi.TableRef{Table: s}, nil
	}
	if ds == "" || table == "" {
		return openapi.TableRef{}, fmt.Errorf("the table reference [%s] is invalid, the format is datasource.table", s)
	}
	return openapi.TableRef{Datasource: ds, Table: table}, nil
}

type AppMigrate struct {
	*App
	sources []string
	target  string
}

func (a *App) AppMigrate() Cmder {
	return &AppMigrate{App: a}
}

func (a *AppMigrate) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "create and start a migration job",
		Long:         `create and start a migration job copying the source tables into the target table, one sharding item per source table`,
		Example:      `scalingctl migrate --source ds_0.t_order_0 --source ds_1.t_order_1 --target sharding_db.t_order`,
		RunE:         a.RunE,
		SilenceUsage: true,
	}
	cmd.Flags().StringSliceVar(&a.sources, "source", nil, "source table, the format is datasource.table")
	cmd.Flags().StringVarP(&a.target, "target", "t", "", "target table, the format is [datasource.]table")
	return cmd
}

func (a *AppMigrate) RunE(cmd *cobra.Command, args []string) error {
	if len(a.sources) == 0 || strings.EqualFold(a.target, "") {
		return fmt.Errorf("flag parameter [source] and [target] are requirement, can not null")
	}
	req := openapi.MigrateRequest{}
	for _, s := range a.sources {
		ref, err := ParseTableRef(s)
		if err != nil {
			return err
		}
		if ref.Datasource == "" {
			return fmt.Errorf("the source table [%s] requires a storage unit, the format is datasource.table", s)
		}
		req.Sources = append(req.Sources, ref)
	}
	target, err := ParseTableRef(a.target)
	if err != nil {
		return err
	}
	req.Target = target

	var data map[string]string
	resp, err := a.client().Do(cmd.Context(), openapi.RequestPOSTMethod, a.client().URL(openapi.APIMigrationPath), req, &data)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

// AppJobOperate posts a job operation without request body
type AppJobOperate struct {
	*App
	operate string
	short   string
}

func (a *App) AppJobOperate(operate, short string) Cmder {
	return &AppJobOperate{App: a, operate: operate, short: short}
}

func (a *AppJobOperate) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          a.operate + " <job-id>",
		Short:        a.short,
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppJobOperate) RunE(cmd *cobra.Command, args []string) error {
	resp, err := a.client().Do(cmd.Context(), openapi.RequestPOSTMethod, a.client().URL(openapi.APIMigrationPath, args[0], a.operate), nil, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]\n", resp.Message, args[0])
	return nil
}

type AppStatus struct {
	*App
}

func (a *App) AppStatus() Cmder {
	return &AppStatus{App: a}
}

func (a *AppStatus) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status <job-id>",
		Short:        "show the sharding item status of the migration job",
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppStatus) RunE(cmd *cobra.Command, args []string) error {
	var items []*service.ItemStatus
	if _, err := a.client().Do(cmd.Context(), openapi.RequestGETMethod, a.client().URL(openapi.APIMigrationPath, args[0]), nil, &items); err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.Itoa(item.ShardingItem),
			item.Source,
			FormatStatus(item.Status),
			strconv.FormatBool(item.Active),
			strconv.FormatInt(item.ProcessedRecordCount, 10),
			strconv.Itoa(item.InventoryFinishedPercentage),
			item.IncrementalPosition,
			strconv.FormatInt(item.IncrementalDelayMillis, 10),
			strconv.FormatInt(item.IncrementalIdleSeconds, 10),
			item.ErrorMessage,
		})
	}
	PrintTable(cmd.OutOrStdout(), []string{
		"item", "data_source", "status", "active", "processed_records_count",
		"inventory_finished_percentage", "incremental_position", "incremental_delay_millis",
		"incremental_idle_seconds", "error_message",
	}, rows)
	return nil
}

type AppList struct {
	*App
}

func (a *App) AppList() Cmder {
	return &AppList{App: a}
}

func (a *AppList) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "list the migration jobs",
		Args:         cobra.NoArgs,
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppList) RunE(cmd *cobra.Command, args []string) error {
	var jobs []*service.JobInfo
	if _, err := a.client().Do(cmd.Context(), openapi.RequestGETMethod, a.client().URL(openapi.APIMigrationPath), nil, &jobs); err != nil {
		return err
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.JobID,
			j.Tables,
			j.Target,
			strconv.Itoa(j.ShardingCount),
			FormatBool(strconv.FormatBool(j.Active)),
			j.CreateTime,
			j.StopTime,
		})
	}
	PrintTable(cmd.OutOrStdout(), []string{"id", "tables", "target", "job_item_count", "active", "create_time", "stop_time"}, rows)
	return nil
}
