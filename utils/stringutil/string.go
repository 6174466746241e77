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
package stringutil

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/scylladb/go-set/strset"
	"github.com/thinkeridea/go-extend/exstrings"
)

// StringBuilder used for string builder, and returns string
func StringBuilder(str ...string) string {
	var b strings.Builder
	for _, p := range str {
		b.WriteString(p)
	}
	return b.String()
}

// StringJoin used for string join, and returns array string
func StringJoin(strs []string, sep string) string {
	return exstrings.Join(strs, sep)
}

func StringSplit(str string, sep string) []string {
	return strings.Split(str, sep)
}

// IsContainedString used for judge items whether is contained the item
func IsContainedString(items []string, item string) bool {
	for _, eachItem := range items {
		if eachItem == item {
			return true
		}
	}
	return false
}

// StringItemsFilterDifference returns the origin items not in exclude items, sorted
func StringItemsFilterDifference(originItems, excludeItems []string) []string {
	diff := strset.Difference(strset.New(originItems...), strset.New(excludeItems...)).List()
	sort.Strings(diff)
	return diff
}

// BytesToString converts without copying, the bytes must not be modified afterward
func BytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// WithHostPort returns addr with host port
func WithHostPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if len(host) == 0 {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return addr
}

// WrapSchemes adds http:// to the comma separated addresses
func WrapSchemes(str string, https bool) []string {
	var urls []string
	for _, s := range strings.Split(str, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		urls = append(urls, WrapScheme(s, https))
	}
	return urls
}

func WrapScheme(s string, https bool) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if https {
		return "https://" + s
	}
	return "http://" + s
}

// MarshalJSON returns marshal object json
func MarshalJSON(v any) (string, error) {
	jsonStr, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return BytesToString(jsonStr), nil
}

// MarshalIndentJSON returns marshal indent object json
func MarshalIndentJSON(v any) (string, error) {
	jsonStr, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", err
	}
	return BytesToString(jsonStr), nil
}

func UnmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CurrentTimeFormatString used for format time string
func CurrentTimeFormatString() string {
	return time.Now().Format("2006-01-02 15:04:05.000000")
}
