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
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position is an opaque, totally ordered marker within a single source stream.
// Values are immutable and only comparable with positions of the same source.
type Position interface {
	String() string
	// Compare returns -1, 0 or +1
	Compare(other Position) int
}

// Parser turns a persisted position string back into a position value,
// every incremental source supplies its own parser
type Parser interface {
	ParsePosition(s string) (Position, error)
}

// ParserFunc adapts a function into a Parser
type ParserFunc func(s string) (Position, error)

func (f ParserFunc) ParsePosition(s string) (Position, error) {
	return f(s)
}

const (
	primaryKeyPrefix = "i"
	unsplitFlag      = "u"
	finishedFlag     = "f"
)

// rank orders the inventory position kinds, a finished task sorts after any range
func rank(p Position) int {
	switch p.(type) {
	case Placeholder:
		return 0
	case Unsplit:
		return 1
	case PrimaryKey:
		return 2
	case Finished:
		return 3
	default:
		return -1
	}
}

func compareRank(a, b Position) int {
	ra, rb := rank(a), rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

// Placeholder is used when a reader has no position yet
type Placeholder struct{}

func (Placeholder) String() string { return "" }

func (p Placeholder) Compare(other Position) int { return compareRank(p, other) }

// PrimaryKey is an inclusive integer primary key range of an inventory task.
// Records read from the range carry PrimaryKey{pk, End} so an acknowledged
// record position is the resumable low watermark of the range.
type PrimaryKey struct {
	Begin int64
	End   int64
}

func (p PrimaryKey) String() string {
	return fmt.Sprintf("%s,%d,%d", primaryKeyPrefix, p.Begin, p.End)
}

func (p PrimaryKey) Compare(other Position) int {
	o, ok := other.(PrimaryKey)
	if !ok {
		return compareRank(p, other)
	}
	switch {
	case p.Begin < o.Begin:
		return -1
	case p.Begin > o.Begin:
		return 1
	default:
		return 0
	}
}

// Next returns the range left to copy once the row with primary key pk is written
func (p PrimaryKey) Next(pk int64) PrimaryKey {
	if pk == math.MaxInt64 {
		// nothing follows the largest key
		return PrimaryKey{Begin: pk, End: pk - 1}
	}
	return PrimaryKey{Begin: pk + 1, End: p.End}
}

// Empty reports an exhausted range
func (p PrimaryKey) Empty() bool {
	return p.Begin > p.End
}

// Unsplit is the whole table range of a table without a usable integer primary key
type Unsplit struct{}

func (Unsplit) String() string { return unsplitFlag }

func (p Unsplit) Compare(other Position) int { return compareRank(p, other) }

// Finished marks a completed inventory task
type Finished struct{}

func (Finished) String() string { return finishedFlag }

func (p Finished) Compare(other Position) int { return compareRank(p, other) }

// IsFinished reports whether the inventory position marks a completed task
func IsFinished(p Position) bool {
	_, ok := p.(Finished)
	return ok
}

// ParseInventory parses the persisted inventory task position
func ParseInventory(s string) (Position, error) {
	switch {
	case s == "":
		return Placeholder{}, nil
	case s == unsplitFlag:
		return Unsplit{}, nil
	case s == finishedFlag:
		return Finished{}, nil
	case strings.HasPrefix(s, primaryKeyPrefix+","):
		items := strings.Split(s, ",")
		if len(items) != 3 {
			return nil, fmt.Errorf("parse inventory position [%s] failed: want 3 items, got %d", s, len(items))
		}
		begin, err := strconv.ParseInt(items[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse inventory position [%s] begin failed: %v", s, err)
		}
		end, err := strconv.ParseInt(items[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse inventory position [%s] end failed: %v", s, err)
		}
		return PrimaryKey{Begin: begin, End: end}, nil
	default:
		return nil, fmt.Errorf("parse inventory position [%s] failed: unknown position format", s)
	}
}
