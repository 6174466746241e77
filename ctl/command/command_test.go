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
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/wentaojin/scaling/openapi"
)

func TestParseTableRef(t *testing.T) {
	tests := []struct {
		in      string
		want    openapi.TableRef
		wantErr bool
	}{
		{"ds_0.t_order", openapi.TableRef{Datasource: "ds_0", Table: "t_order"}, false},
		{"t_order", openapi.TableRef{Table: "t_order"}, false},
		{" ds_1.t_order_1 ", openapi.TableRef{Datasource: "ds_1", Table: "t_order_1"}, false},
		{"", openapi.TableRef{}, true},
		{".t_order", openapi.TableRef{}, true},
		{"ds_0.", openapi.TableRef{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTableRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTableRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTableRef(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatStatus(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	for _, status := range []string{"FINISHED", "EXECUTE_INVENTORY_TASK_FAILURE", "STOPPED", "RUNNING", ""} {
		if got := FormatStatus(status); got != status {
			t.Errorf("FormatStatus(%q) = %q without color", status, got)
		}
	}
	if got := FormatBool("false"); got != "false" {
		t.Errorf("FormatBool(false) = %q", got)
	}
}

type recorded struct {
	method string
	uri    string
	body   string
}

func newFakeServer(t *testing.T, reply string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.method, rec.uri, rec.body = r.Method, r.URL.RequestURI(), string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		reply      string
		wantMethod string
		wantURI    string
		wantBody   []string
		wantOut    []string
	}{
		{
			name:       "migrate",
			args:       []string{"migrate", "--source", "ds_0.t_order_0", "--source", "ds_1.t_order_1", "--target", "sharding_db.t_order"},
			reply:      `{"result":"SUCCESS","message":"the migration job [j01x] created","data":{"jobId":"j01x"}}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/migrations",
			wantBody:   []string{`"dataSource":"ds_1","table":"t_order_1"`, `"target":{"dataSource":"sharding_db","table":"t_order"}`},
			wantOut:    []string{"j01x"},
		},
		{
			name:       "status",
			args:       []string{"status", "j01x"},
			reply:      `{"result":"SUCCESS","data":[{"shardingItem":0,"source":"ds_0.t_order_0","status":"FINISHED","processedRecordCount":3,"inventoryFinishedPercentage":100}]}`,
			wantMethod: http.MethodGet,
			wantURI:    "/api/v1/migrations/j01x",
			wantOut:    []string{"ds_0.t_order_0", "FINISHED", "inventory_finished_percentage"},
		},
		{
			name:       "list",
			args:       []string{"list"},
			reply:      `{"result":"SUCCESS","data":[{"jobId":"j01x","tables":"ds_0.t_order_0","target":"sharding_db.t_order","shardingCount":1,"active":true}]}`,
			wantMethod: http.MethodGet,
			wantURI:    "/api/v1/migrations",
			wantOut:    []string{"j01x", "sharding_db.t_order"},
		},
		{
			name:       "commit",
			args:       []string{"commit", "j01x"},
			reply:      `{"result":"SUCCESS","message":"the migration job committed"}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/migrations/j01x/commit",
			wantOut:    []string{"committed [j01x]"},
		},
		{
			name:       "rollback",
			args:       []string{"rollback", "j01x"},
			reply:      `{"result":"SUCCESS","message":"the migration job rolled back"}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/migrations/j01x/rollback",
		},
		{
			name:       "check",
			args:       []string{"check", "j01x", "--type", "data_match", "--prop", "chunk-size=10"},
			reply:      `{"result":"SUCCESS","message":"the consistency check job [j02x00] created","data":{"checkJobId":"j02x00"}}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/migrations/j01x/check",
			wantBody:   []string{`"algorithmType":"DATA_MATCH"`, `"chunk-size":"10"`},
			wantOut:    []string{"j02x00"},
		},
		{
			name: "check status",
			args: []string{"check", "status", "j01x"},
			reply: `{"result":"SUCCESS","data":{"checkJobId":"j02x00","algorithmType":"COUNT_MATCH","status":"FINISHED","percentage":100,
				"results":{"t_order":{"tableName":"t_order","countCheck":{"sourceRecordsCount":3,"targetRecordsCount":3,"matched":true},"contentCheck":{"matched":true}}}}}`,
			wantMethod: http.MethodGet,
			wantURI:    "/api/v1/migrations/j01x/check",
			wantOut:    []string{"j02x00", "COUNT_MATCH", "t_order", "source_records_count"},
		},
		{
			name:       "check drop",
			args:       []string{"check", "drop", "j01x"},
			reply:      `{"result":"SUCCESS","message":"the consistency check job dropped"}`,
			wantMethod: http.MethodDelete,
			wantURI:    "/api/v1/migrations/j01x/check",
		},
		{
			name:       "check stop",
			args:       []string{"check", "stop", "j01x"},
			reply:      `{"result":"SUCCESS","message":"the consistency check job stopped"}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/migrations/j01x/check/stop",
		},
		{
			name:       "source register",
			args:       []string{"source", "register", "ds_0", "--url", "mysql://127.0.0.1:3306/migration_ds_0", "-u", "root", "-p", "secret", "--prop", "serverId=1001"},
			reply:      `{"result":"SUCCESS","message":"the storage units registered"}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/sources",
			wantBody:   []string{`"name":"ds_0"`, `"password":"secret"`, `"serverId":"1001"`},
		},
		{
			name:       "source unregister",
			args:       []string{"source", "unregister", "ds_0", "ds_1"},
			reply:      `{"result":"SUCCESS","message":"the storage units unregistered"}`,
			wantMethod: http.MethodDelete,
			wantURI:    "/api/v1/sources?name=ds_0&name=ds_1",
		},
		{
			name:       "sql",
			args:       []string{"sql", "-e", "SHOW MIGRATION LIST"},
			reply:      `{"result":"SUCCESS","data":{"columns":["id","tables"],"rows":[["j01x","ds_0.t_order_0"]]}}`,
			wantMethod: http.MethodPost,
			wantURI:    "/api/v1/sql",
			wantBody:   []string{`"statement":"SHOW MIGRATION LIST"`},
			wantOut:    []string{"j01x", "ds_0.t_order_0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newFakeServer(t, tt.reply)
			root := NewRootCmd()
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetErr(io.Discard)
			root.SetArgs(append([]string{"-s", srv.URL}, tt.args...))
			if err := root.Execute(); err != nil {
				t.Fatal(err)
			}
			if rec.method != tt.wantMethod || rec.uri != tt.wantURI {
				t.Errorf("request = %s %s, want %s %s", rec.method, rec.uri, tt.wantMethod, tt.wantURI)
			}
			for _, b := range tt.wantBody {
				if !strings.Contains(rec.body, b) {
					t.Errorf("request body %s misses %s", rec.body, b)
				}
			}
			for _, o := range tt.wantOut {
				if !strings.Contains(out.String(), o) {
					t.Errorf("output misses %q:\n%s", o, out.String())
				}
			}
		})
	}
}

func TestCommandFailures(t *testing.T) {
	srv, _ := newFakeServer(t, `{"result":"FAILED","message":"the migration job not found: [j01x]"}`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"server failure", []string{"stop", "j01x"}, "the migration job not found"},
		{"missing job id", []string{"status"}, "accepts 1 arg"},
		{"migrate without target", []string{"migrate", "--source", "ds_0.t_order"}, "[target]"},
		{"migrate source without unit", []string{"migrate", "--source", "t_order", "--target", "t_order"}, "requires a storage unit"},
		{"register without url", []string{"source", "register", "ds_0"}, "[url]"},
		{"sql without statement", []string{"sql"}, "[execute]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCmd()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			root.SetArgs(append([]string{"-s", srv.URL}, tt.args...))
			err := root.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Execute() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
