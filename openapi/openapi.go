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
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DebugAPIBasePath api debug base path
	DebugAPIBasePath = "/debug/"
	// ScalingAPIBasePath api scaling api base path
	ScalingAPIBasePath = "/api/v1/"
)

const (
	APISQLPath       = "sql"
	APIMigrationPath = "migrations"
	APISourcePath    = "sources"
	APIAlgorithmPath = "algorithms"
	APIInstancePath  = "instances"
)

const (
	RequestPUTMethod    = "PUT"
	RequestPOSTMethod   = "POST"
	RequestGETMethod    = "GET"
	RequestDELETEMethod = "DELETE"
)

const (
	ResponseResultStatusSuccess = "SUCCESS"
	ResponseResultStatusFailed  = "FAILED"
)

// Response is the body of every api reply
type Response struct {
	Result  string          `json:"result"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SQLRequest carries one administration statement
type SQLRequest struct {
	Statement string `json:"statement"`
}

// TableRef is the json form of a [datasource.]table reference
type TableRef struct {
	Datasource string `json:"dataSource"`
	Table      string `json:"table"`
}

// MigrateRequest creates a migration job
type MigrateRequest struct {
	Sources []TableRef `json:"sources"`
	Target  TableRef   `json:"target"`
}

// CheckRequest creates a consistency check job
type CheckRequest struct {
	AlgorithmType string            `json:"algorithmType"`
	Props         map[string]string `json:"props,omitempty"`
}

// SourceRequest registers one migration source storage unit
type SourceRequest struct {
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	URL      string            `json:"url"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Props    map[string]string `json:"props,omitempty"`
}

// Client calls the scaling server api
type Client struct {
	server string
	http   *http.Client
}

// NewClient returns the api client of a host:port or http url server address
func NewClient(server string, timeout time.Duration) *Client {
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return &Client{
		server: strings.TrimSuffix(server, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

// URL joins the api base path and the path elements
func (c *Client) URL(elems ...string) string {
	escaped := make([]string, 0, len(elems))
	for _, e := range elems {
		escaped = append(escaped, url.PathEscape(e))
	}
	return c.server + ScalingAPIBasePath + strings.Join(escaped, "/")
}

// Do sends the request and decodes the reply, a FAILED result is returned as error
func (c *Client) Do(ctx context.Context, method, url string, reqBody any, data any) (*Response, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	respBody, err := Request(ctx, c.http, method, url, body)
	if err != nil {
		return nil, err
	}
	var resp *Response
	if err = json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response [%s] failed: %v", string(respBody), err)
	}
	if resp.Result != ResponseResultStatusSuccess {
		return resp, fmt.Errorf("%s", resp.Message)
	}
	if data != nil && len(resp.Data) > 0 {
		if err = json.Unmarshal(resp.Data, data); err != nil {
			return resp, fmt.Errorf("unmarshal response data failed: %v", err)
		}
	}
	return resp, nil
}

func Request(ctx context.Context, client *http.Client, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request http status [%d] not ok, please check server status or logs: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
