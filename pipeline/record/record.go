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
package record

import (
	"fmt"
	"time"

	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Record is the unit flowing through a channel: a DataRecord,
// a PlaceholderRecord or the terminal FinishedRecord
type Record interface {
	Position() position.Position
}

// Column is one column value of a row image
type Column struct {
	Name  string
	Value any
	// Key marks a unique key column used to locate the row on the target
	Key bool
	// Updated marks the column changed by an UPDATE event
	Updated bool
}

// DataRecord is one row change.
// INSERT carries only After, DELETE only Before, UPDATE both.
type DataRecord struct {
	Type       string
	TableName  string
	Before     []Column
	After      []Column
	CommitTime time.Time
	Pos        position.Position
}

func (r *DataRecord) Position() position.Position {
	return r.Pos
}

// KeyColumns returns the columns locating the row on the target: the key
// columns of the before image (after image for INSERT), or every column of
// that image when no key column is known
func (r *DataRecord) KeyColumns() []Column {
	image := r.Before
	if r.Type == constant.DMLInsertType {
		image = r.After
	}
	var keys []Column
	for _, c := range image {
		if c.Key {
			keys = append(keys, c)
		}
	}
	if len(keys) == 0 {
		return image
	}
	return keys
}

// RoutingKey is the table name plus key column values, records with the same
// routing key must be applied in order
func (r *DataRecord) RoutingKey() string {
	keys := r.KeyColumns()
	items := make([]string, 0, len(keys)+1)
	items = append(items, r.TableName)
	for _, c := range keys {
		items = append(items, fmt.Sprintf("%v", c.Value))
	}
	return stringutil.StringJoin(items, constant.StringSeparatorComma)
}

// KeyChanged reports whether an UPDATE moves the row to another key, the
// before and after images then have different routing keys
func (r *DataRecord) KeyChanged() bool {
	if r.Type != constant.DMLUpdateType {
		return false
	}
	after := make(map[string]any, len(r.After))
	for _, c := range r.After {
		after[c.Name] = c.Value
	}
	for _, c := range r.Before {
		if !c.Key {
			continue
		}
		v, ok := after[c.Name]
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", v) != fmt.Sprintf("%v", c.Value) {
			return true
		}
	}
	return false
}

func (r *DataRecord) String() string {
	return fmt.Sprintf("%s %s before=%v after=%v position=%v", r.Type, r.TableName, r.Before, r.After, r.Pos)
}

// Validate checks the row images against the change type
func (r *DataRecord) Validate() error {
	switch r.Type {
	case constant.DMLInsertType:
		if len(r.After) == 0 || len(r.Before) != 0 {
			return fmt.Errorf("the record table [%s] type [%s] requires only the after image", r.TableName, r.Type)
		}
	case constant.DMLDeleteType:
		if len(r.Before) == 0 || len(r.After) != 0 {
			return fmt.Errorf("the record table [%s] type [%s] requires only the before image", r.TableName, r.Type)
		}
	case constant.DMLUpdateType:
		if len(r.Before) == 0 || len(r.After) == 0 {
			return fmt.Errorf("the record table [%s] type [%s] requires both images", r.TableName, r.Type)
		}
	default:
		return fmt.Errorf("the record table [%s] type [%s] is not support", r.TableName, r.Type)
	}
	return nil
}

// PlaceholderRecord advances the position without carrying data
type PlaceholderRecord struct {
	Pos position.Position
}

func (r *PlaceholderRecord) Position() position.Position {
	return r.Pos
}

// FinishedRecord is the terminal sentinel of a reader
type FinishedRecord struct {
	Pos position.Position
}

func (r *FinishedRecord) Position() position.Position {
	return r.Pos
}

// IsFinished reports whether the record is the terminal sentinel
func IsFinished(r Record) bool {
	_, ok := r.(*FinishedRecord)
	return ok
}

// LastPosition returns the position of the last record of a batch, nil for an empty batch
func LastPosition(records []Record) position.Position {
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1].Position()
}
