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
	"github.com/wentaojin/scaling/pipeline/check"
	"github.com/wentaojin/scaling/utils/constant"
)

type AppCheck struct {
	*App
	algorithm string
	props     map[string]string
}

func (a *App) AppCheck() *AppCheck {
	return &AppCheck{App: a}
}

func (a *AppCheck) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "check <job-id>",
		Short:        "create and start a consistency check job of the migration job",
		Long:         `create and start a consistency check job of the migration job, the inventory of every sharding item must be finished`,
		Example:      `scalingctl check j01a0b1c2d3 --type DATA_MATCH --prop chunk-size=1000`,
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&a.algorithm, "type", constant.CheckAlgorithmCRC32Match, "check algorithm type")
	cmd.Flags().StringToStringVar(&a.props, "prop", nil, "check algorithm property, the format is key=value")
	return cmd
}

func (a *AppCheck) RunE(cmd *cobra.Command, args []string) error {
	var data map[string]string
	resp, err := a.client().Do(cmd.Context(), openapi.RequestPOSTMethod, a.client().URL(openapi.APIMigrationPath, args[0], "check"),
		openapi.CheckRequest{AlgorithmType: strings.ToUpper(a.algorithm), Props: a.props}, &data)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

type AppCheckStatus struct {
	*AppCheck
}

func (a *AppCheck) AppCheckStatus() Cmder {
	return &AppCheckStatus{AppCheck: a}
}

func (a *AppCheckStatus) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status <job-id>",
		Short:        "show the latest consistency check job status and results of the migration job",
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppCheckStatus) RunE(cmd *cobra.Command, args []string) error {
	var st check.Status
	if _, err := a.client().Do(cmd.Context(), openapi.RequestGETMethod, a.client().URL(openapi.APIMigrationPath, args[0], "check"), nil, &st); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	row := []string{st.CheckJobID, st.AlgorithmType, FormatStatus(st.Status), strconv.Itoa(st.Percentage),
		strconv.FormatInt(st.RemainingSeconds, 10), "", "", st.ErrorMessage}
	if st.Progress != nil {
		row[5] = strconv.FormatInt(st.Progress.RecordsCount, 10)
		row[6] = strconv.FormatInt(st.Progress.CheckedRecordsCount, 10)
	}
	PrintTable(w, []string{"check_job_id", "algorithm", "status", "finished_percentage", "remaining_seconds",
		"records_count", "checked_records_count", "error_message"}, [][]string{row})

	if len(st.Results) == 0 {
		return nil
	}
	var rows [][]string
	for _, name := range st.Results.TableNames() {
		r := st.Results[name]
		rows = append(rows, []string{
			name,
			FormatBool(strconv.FormatBool(r.Matched())),
			strconv.FormatInt(r.CountCheck.SourceRecordsCount, 10),
			strconv.FormatInt(r.CountCheck.TargetRecordsCount, 10),
			strconv.FormatInt(r.ContentCheck.MismatchCount, 10),
			r.IgnoredType,
		})
	}
	fmt.Fprintln(w)
	PrintTable(w, []string{"table_name", "result", "source_records_count", "target_records_count", "mismatch_count", "ignored_type"}, rows)
	return nil
}

// AppCheckOperate starts, stops or drops the latest check job
type AppCheckOperate struct {
	*AppCheck
	use     string
	short   string
	method  string
	operate string
}

func (a *AppCheck) AppCheckStart() Cmder {
	return &AppCheckOperate{AppCheck: a, use: "start", short: "start the stopped consistency check job", method: openapi.RequestPOSTMethod, operate: "start"}
}

func (a *AppCheck) AppCheckStop() Cmder {
	return &AppCheckOperate{AppCheck: a, use: "stop", short: "stop the running consistency check job", method: openapi.RequestPOSTMethod, operate: "stop"}
}

func (a *AppCheck) AppCheckDrop() Cmder {
	return &AppCheckOperate{AppCheck: a, use: "drop", short: "drop the latest consistency check job and its result", method: openapi.RequestDELETEMethod}
}

func (a *AppCheckOperate) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          a.use + " <job-id>",
		Short:        a.short,
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppCheckOperate) RunE(cmd *cobra.Command, args []string) error {
	elems := []string{openapi.APIMigrationPath, args[0], "check"}
	if a.operate != "" {
		elems = append(elems, a.operate)
	}
	resp, err := a.client().Do(cmd.Context(), a.method, a.client().URL(elems...), nil, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]\n", resp.Message, args[0])
	return nil
}

type AppCheckAlgorithms struct {
	*AppCheck
}

func (a *AppCheck) AppCheckAlgorithms() Cmder {
	return &AppCheckAlgorithms{AppCheck: a}
}

func (a *AppCheckAlgorithms) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "algorithms",
		Short:        "list the consistency check algorithms",
		Args:         cobra.NoArgs,
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppCheckAlgorithms) RunE(cmd *cobra.Command, args []string) error {
	var infos []check.AlgorithmInfo
	if _, err := a.client().Do(cmd.Context(), openapi.RequestGETMethod, a.client().URL(openapi.APIAlgorithmPath), nil, &infos); err != nil {
		return err
	}
	rows := make([][]string, 0, len(infos))
	for _, i := range infos {
		rows = append(rows, []string{i.Type, i.SupportedDatabaseTypes, i.Description})
	}
	PrintTable(cmd.OutOrStdout(), []string{"type", "supported_database_types", "description"}, rows)
	return nil
}
