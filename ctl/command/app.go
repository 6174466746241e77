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
	"time"

	"github.com/spf13/cobra"

	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/utils/constant"
)

// Cmder is one node of the scalingctl command tree
type Cmder interface {
	Cmd() *cobra.Command
	RunE(cmd *cobra.Command, args []string) error
}

type App struct {
	Server  string
	Timeout time.Duration
}

func (a *App) Cmd() *cobra.Command {
	c := &cobra.Command{
		Use:               "scalingctl",
		Short:             "CLI scalingctl app for the scaling server",
		PersistentPreRunE: a.PersistentPreRunE,
		SilenceUsage:      true,
	}
	c.PersistentFlags().StringVarP(&a.Server, "server", "s", constant.DefaultServerAddr, "server addr for app server")
	c.PersistentFlags().DurationVar(&a.Timeout, "timeout", constant.DefaultServerRequestTimeout, "request timeout")
	return c
}

func (a *App) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(a.Server, "") {
		if err := cmd.Help(); err != nil {
			return err
		}
		return fmt.Errorf("flag parameter [server] are requirement, can not null")
	}
	return nil
}

func (a *App) client() *openapi.Client {
	return openapi.NewClient(a.Server, a.Timeout)
}

// NewRootCmd assembles the scalingctl command tree
func NewRootCmd() *cobra.Command {
	app := &App{}
	root := app.Cmd()

	checkApp := app.AppCheck()
	checkCmd := checkApp.Cmd()
	checkCmd.AddCommand(
		checkApp.AppCheckStatus().Cmd(),
		checkApp.AppCheckStart().Cmd(),
		checkApp.AppCheckStop().Cmd(),
		checkApp.AppCheckDrop().Cmd(),
		checkApp.AppCheckAlgorithms().Cmd(),
	)

	sourceApp := app.AppSource()
	sourceCmd := sourceApp.Cmd()
	sourceCmd.AddCommand(
		sourceApp.AppSourceRegister().Cmd(),
		sourceApp.AppSourceUnregister().Cmd(),
		sourceApp.AppSourceList().Cmd(),
	)

	root.AddCommand(
		app.AppMigrate().Cmd(),
		checkCmd,
		app.AppJobOperate("commit", "commit the migration job, the job is stopped and can't be started again").Cmd(),
		app.AppJobOperate("stop", "stop the migration job").Cmd(),
		app.AppJobOperate("start", "start the stopped migration job").Cmd(),
		app.AppJobOperate("rollback", "rollback the migration job, the job and its check results are dropped").Cmd(),
		app.AppStatus().Cmd(),
		app.AppList().Cmd(),
		sourceCmd,
		app.AppSQL().Cmd(),
	)
	return root
}
