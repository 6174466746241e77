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
package filter

import "testing"

func TestMatchTable(t *testing.T) {
	f, err := Parse([]string{"t_order", "t_order_item_*", `~^t_user_\d+$`, "!t_order_item_tmp"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		table string
		want  bool
	}{
		{"t_order", true},
		{"T_ORDER", true},
		{"t_order_item_0", true},
		{"t_order_item_tmp", false},
		{"t_user_12", true},
		{"t_user_x", false},
		{"t_address", false},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			if got := f.MatchTable(tt.table); got != tt.want {
				t.Errorf("MatchTable(%s) = %v, want %v", tt.table, got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]string{"~("}); err == nil {
		t.Fatal("expect regexp compile error")
	}
	if _, err := Parse([]string{"~"}); err == nil {
		t.Fatal("expect empty regexp error")
	}
}

func TestMatchAll(t *testing.T) {
	f := MustParse("*")
	if !f.MatchTable("anything") {
		t.Fatal("wildcard should match every table")
	}
	if MustParse().MatchTable("t_order") {
		t.Fatal("empty filter should match nothing")
	}
}
