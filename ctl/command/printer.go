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
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/wentaojin/scaling/utils/constant"
)

// PrintTable prints the header and the rows as an ASCII table
func PrintTable(w io.Writer, header []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	addRow(t, header, true)
	for _, row := range rows {
		addRow(t, row, false)
	}

	t.SetStyle(table.Style{
		Name: "scaling",
		Box: table.BoxStyle{
			Left:             "|",
			LeftSeparator:    "|",
			MiddleHorizontal: "-",
			MiddleSeparator:  "  ",
			MiddleVertical:   "  ",
		},
		Format: table.FormatOptions{
			Header: text.FormatDefault,
		},
		Options: table.Options{
			SeparateColumns: true,
			SeparateHeader:  true,
		},
	})
	t.Render()
}

func addRow(t table.Writer, rawLine []string, header bool) {
	row := make(table.Row, len(rawLine))
	for i, v := range rawLine {
		row[i] = v
	}
	if header {
		t.AppendHeader(row)
	} else {
		t.AppendRow(row)
	}
}

// FormatStatus colors a job item status by its state
func FormatStatus(status string) string {
	switch {
	case status == constant.JobStatusFinished:
		return color.HiGreenString(status)
	case strings.HasSuffix(status, "FAILURE"):
		return color.RedString(status)
	case status == constant.JobStatusStopping || status == constant.JobStatusStopped:
		return color.YellowString(status)
	case status == "":
		return status
	default:
		return color.GreenString(status)
	}
}

// FormatBool colors a true or false cell, a false check result is red
func FormatBool(v string) string {
	switch strings.ToLower(v) {
	case "true":
		return color.GreenString(v)
	case "false":
		return color.RedString(v)
	default:
		return v
	}
}
