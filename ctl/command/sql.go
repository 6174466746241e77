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
	"strings"

	"github.com/spf13/cobra"

	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/service"
)

type AppSQL struct {
	*App
	statement string
}

func (a *App) AppSQL() Cmder {
	return &AppSQL{App: a}
}

func (a *AppSQL) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sql",
		Short:        "execute a migration administration statement",
		Example:      `scalingctl sql -e "SHOW MIGRATION STATUS 'j01a0b1c2d3'"`,
		Args:         cobra.NoArgs,
		RunE:         a.RunE,
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&a.statement, "execute", "e", "", "the statement to execute")
	return cmd
}

func (a *AppSQL) RunE(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(a.statement) == "" {
		return fmt.Errorf("flag parameter [execute] is requirement, can not null")
	}
	var result service.Result
	resp, err := a.client().Do(cmd.Context(), openapi.RequestPOSTMethod, a.client().URL(openapi.APISQLPath), openapi.SQLRequest{Statement: a.statement}, &result)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(result.Columns) > 0 {
		PrintTable(w, result.Columns, result.Rows)
	}
	if resp.Message != "" {
		fmt.Fprintln(w, resp.Message)
	}
	return nil
}
