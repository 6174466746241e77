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
package position

import (
	"math"
	"reflect"
	"testing"
)

func TestParseInventory(t *testing.T) {
	tests := []struct {
		in      string
		want    Position
		wantErr bool
	}{
		{in: "i,0,24", want: PrimaryKey{Begin: 0, End: 24}},
		{in: "i,-5,100", want: PrimaryKey{Begin: -5, End: 100}},
		{in: "u", want: Unsplit{}},
		{in: "f", want: Finished{}},
		{in: "", want: Placeholder{}},
		{in: "i,1", wantErr: true},
		{in: "i,a,1", wantErr: true},
		{in: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInventory(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInventory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseInventory() = %v, want %v", got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want int
	}{
		{"pk less", PrimaryKey{Begin: 1, End: 10}, PrimaryKey{Begin: 2, End: 10}, -1},
		{"pk equal", PrimaryKey{Begin: 2, End: 10}, PrimaryKey{Begin: 2, End: 10}, 0},
		{"pk greater", PrimaryKey{Begin: 9, End: 10}, PrimaryKey{Begin: 2, End: 10}, 1},
		{"finished after range", Finished{}, PrimaryKey{Begin: 100, End: 100}, 1},
		{"range before finished", PrimaryKey{Begin: 100, End: 100}, Finished{}, -1},
		{"unsplit before finished", Unsplit{}, Finished{}, -1},
		{"placeholder first", Placeholder{}, Unsplit{}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrimaryKeyNext(t *testing.T) {
	p := PrimaryKey{Begin: 0, End: 24}
	next := p.Next(24)
	if !next.Empty() {
		t.Fatalf("range %v should be exhausted", next)
	}
	if p.Next(10) != (PrimaryKey{Begin: 11, End: 24}) {
		t.Fatalf("unexpected next range %v", p.Next(10))
	}
	last := PrimaryKey{Begin: math.MaxInt64 - 1, End: math.MaxInt64}
	if next = last.Next(math.MaxInt64); !next.Empty() || next.Begin != math.MaxInt64 {
		t.Fatalf("range %v after the largest key should be exhausted", next)
	}
}
