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
package split

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/wentaojin/scaling/database/sqlite"
	"github.com/wentaojin/scaling/pipeline/position"
)

func TestRanges(t *testing.T) {
	tests := []struct {
		name     string
		min, max int64
		n        int
		want     []position.PrimaryKey
	}{
		{
			name: "even split",
			min:  0, max: 99, n: 4,
			want: []position.PrimaryKey{{Begin: 0, End: 24}, {Begin: 25, End: 49}, {Begin: 50, End: 74}, {Begin: 75, End: 99}},
		},
		{
			name: "single range",
			min:  1, max: 10, n: 1,
			want: []position.PrimaryKey{{Begin: 1, End: 10}},
		},
		{
			name: "fewer keys than ranges",
			min:  5, max: 7, n: 4,
			want: []position.PrimaryKey{{Begin: 5, End: 5}, {Begin: 6, End: 6}, {Begin: 7, End: 7}},
		},
		{
			name: "single row",
			min:  3, max: 3, n: 4,
			want: []position.PrimaryKey{{Begin: 3, End: 3}},
		},
		{
			name: "full int64 domain",
			min:  math.MinInt64, max: math.MaxInt64, n: 2,
			want: []position.PrimaryKey{{Begin: math.MinInt64, End: -1}, {Begin: 0, End: math.MaxInt64}},
		},
		{
			name: "largest keys",
			min:  math.MaxInt64 - 2, max: math.MaxInt64, n: 4,
			want: []position.PrimaryKey{{Begin: math.MaxInt64 - 2, End: math.MaxInt64 - 2}, {Begin: math.MaxInt64 - 1, End: math.MaxInt64 - 1}, {Begin: math.MaxInt64, End: math.MaxInt64}},
		},
		{
			name: "negative keys",
			min:  -10, max: 9, n: 2,
			want: []position.PrimaryKey{{Begin: -10, End: -1}, {Begin: 0, End: 9}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ranges(tt.min, tt.max, tt.n)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ranges(%d, %d, %d) = %v, want %v", tt.min, tt.max, tt.n, got, tt.want)
			}
			// contiguous cover of [min, max]
			next := tt.min
			for _, r := range got {
				if r.Begin != next || r.End < r.Begin {
					t.Fatalf("range %v breaks the cover at %d", r, next)
				}
				next = r.End + 1
			}
			if next != tt.max+1 {
				t.Errorf("ranges end at %d, want %d", next-1, tt.max)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.NewMemoryDatabase(ctx, "split_tables")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, s := range []string{
		`CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, status TEXT)`,
		`CREATE TABLE t_empty (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE t_item (order_id INTEGER, item_id INTEGER, PRIMARY KEY (order_id, item_id))`,
		`CREATE TABLE t_code (code VARCHAR(10) PRIMARY KEY)`,
	} {
		if _, err = db.ExecContext(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 100; i++ {
		if _, err = db.ExecContext(ctx, `INSERT INTO t_order (order_id, status) VALUES (?, 'ok')`, i); err != nil {
			t.Fatal(err)
		}
	}

	plan, err := Split(ctx, db, "t_order", 4)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PrimaryKey != "order_id" || len(plan.Positions) != 4 || plan.Positions[3] != (position.PrimaryKey{Begin: 75, End: 99}) {
		t.Errorf("unexpected t_order plan %+v", plan)
	}

	plan, err = Split(ctx, db, "t_empty", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Positions) != 1 || !plan.Positions[0].(position.PrimaryKey).Empty() {
		t.Errorf("unexpected t_empty plan %+v", plan)
	}

	for _, table := range []string{"t_item", "t_code"} {
		plan, err = Split(ctx, db, table, 4)
		if err != nil {
			t.Fatal(err)
		}
		if plan.PrimaryKey != "" || !reflect.DeepEqual(plan.Positions, []position.Position{position.Unsplit{}}) {
			t.Errorf("unexpected %s plan %+v", table, plan)
		}
	}
}
