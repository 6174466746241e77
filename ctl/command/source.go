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
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

type AppSource struct {
	*App
}

func (a *App) AppSource() *AppSource {
	return &AppSource{App: a}
}

func (a *AppSource) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:              "source",
		Short:            "Operator migration source storage units",
		Long:             `Operator migration source storage units`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
}

func (a *AppSource) RunE(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

type AppSourceRegister struct {
	*AppSource
	req         openapi.SourceRequest
	askPassword bool
}

func (a *AppSource) AppSourceRegister() Cmder {
	return &AppSourceRegister{AppSource: a}
}

func (a *AppSourceRegister) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "register <name>",
		Short:        "register a migration source storage unit, the connection is verified first",
		Example:      `scalingctl source register ds_0 --url mysql://127.0.0.1:3306/migration_ds_0 --user root --password 123456`,
		Args:         cobra.ExactArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&a.req.URL, "url", "", "storage unit url, the scheme is mysql, tidb, postgres or sqlite")
	cmd.Flags().StringVarP(&a.req.Username, "user", "u", "", "storage unit username")
	cmd.Flags().StringVarP(&a.req.Password, "password", "p", "", "storage unit password")
	cmd.Flags().BoolVar(&a.askPassword, "ask-password", false, "prompt for the storage unit password from the console")
	cmd.Flags().StringVar(&a.req.Type, "type", "", "storage unit database type, derived from the url when null")
	cmd.Flags().StringToStringVar(&a.req.Props, "prop", nil, "storage unit property, the format is key=value")
	return cmd
}

func (a *AppSourceRegister) RunE(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(a.req.URL, "") {
		return fmt.Errorf("flag parameter [url] is requirement, can not null")
	}
	a.req.Name = args[0]
	if a.askPassword {
		password, err := stringutil.PromptForPassword(cmd.OutOrStdout(), "storage unit [%s] password: ", a.req.Name)
		if err != nil {
			return err
		}
		a.req.Password = password
	}
	resp, err := a.client().Do(cmd.Context(), openapi.RequestPOSTMethod, a.client().URL(openapi.APISourcePath), []openapi.SourceRequest{a.req}, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]\n", resp.Message, a.req.Name)
	return nil
}

type AppSourceUnregister struct {
	*AppSource
}

func (a *AppSource) AppSourceUnregister() Cmder {
	return &AppSourceUnregister{AppSource: a}
}

func (a *AppSourceUnregister) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "unregister <name> [name...]",
		Short:        "unregister migration source storage units not used by an active job",
		Args:         cobra.MinimumNArgs(1),
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppSourceUnregister) RunE(cmd *cobra.Command, args []string) error {
	endpoint := a.client().URL(openapi.APISourcePath) + "?" + url.Values{"name": args}.Encode()
	resp, err := a.client().Do(cmd.Context(), openapi.RequestDELETEMethod, endpoint, nil, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", resp.Message, args)
	return nil
}

type AppSourceList struct {
	*AppSource
}

func (a *AppSource) AppSourceList() Cmder {
	return &AppSourceList{AppSource: a}
}

func (a *AppSourceList) Cmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "list the migration source storage units",
		Args:         cobra.NoArgs,
		RunE:         a.RunE,
		SilenceUsage: true,
	}
}

func (a *AppSourceList) RunE(cmd *cobra.Command, args []string) error {
	var infos []*service.SourceInfo
	if _, err := a.client().Do(cmd.Context(), openapi.RequestGETMethod, a.client().URL(openapi.APISourcePath), nil, &infos); err != nil {
		return err
	}
	rows := make([][]string, 0, len(infos))
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
		rows = append(rows, []string{i.Name, i.Type, i.URL, i.Username, strings.Join(attrs, constant.StringSeparatorComma)})
	}
	PrintTable(cmd.OutOrStdout(), []string{"name", "type", "url", "username", "other_attributes"}, rows)
	return nil
}
