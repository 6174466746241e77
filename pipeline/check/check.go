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
package check

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

var (
	// ErrJobAlreadyExists is returned when the latest check of the parent job is not finished
	ErrJobAlreadyExists = errors.New("the consistency check job already exists")
	// ErrInventoryNotFinished is returned when a parent job item has not copied its inventory yet
	ErrInventoryNotFinished = errors.New("the migration job inventory is not finished")
	// ErrCheckNotFound is returned when the parent job never ran a check
	ErrCheckNotFound = errors.New("the consistency check job not found")
)

const (
	sequenceDigits = 2
	// sequenceLimit bounds the check jobs kept per migration job, the
	// sequence wraps around and the oldest check id is reused
	sequenceLimit = 100
)

// JobID derives the id of the sequence-th check of a migration job, the
// sequence is taken modulo the sequence limit so the id width never changes
func JobID(parentJobID string, sequence int) string {
	sequence = ((sequence % sequenceLimit) + sequenceLimit) % sequenceLimit
	return fmt.Sprintf("%s%s%0*d", constant.JobIDPrefixConsistencyCheck,
		strings.TrimPrefix(parentJobID, constant.JobIDPrefixMigration), sequenceDigits, sequence)
}

// NextSequence returns the sequence following s
func NextSequence(s int) int {
	return (s + 1) % sequenceLimit
}

// PreviousSequence returns the sequence preceding s
func PreviousSequence(s int) int {
	return (s + sequenceLimit - 1) % sequenceLimit
}

// ParseJobID splits a check job id into its parent job id and sequence
func ParseJobID(checkJobID string) (string, int, error) {
	if !strings.HasPrefix(checkJobID, constant.JobIDPrefixConsistencyCheck) || len(checkJobID) <= len(constant.JobIDPrefixConsistencyCheck)+sequenceDigits {
		return "", 0, fmt.Errorf("the consistency check job id [%s] is invalid", checkJobID)
	}
	body := strings.TrimPrefix(checkJobID, constant.JobIDPrefixConsistencyCheck)
	sequence, err := strconv.Atoi(body[len(body)-sequenceDigits:])
	if err != nil {
		return "", 0, fmt.Errorf("the consistency check job id [%s] sequence is invalid: %v", checkJobID, err)
	}
	return stringutil.StringBuilder(constant.JobIDPrefixMigration, body[:len(body)-sequenceDigits]), sequence, nil
}

// CountCheck compares the record counts of both sides
type CountCheck struct {
	SourceRecordsCount int64 `yaml:"sourceRecordsCount" json:"sourceRecordsCount"`
	TargetRecordsCount int64 `yaml:"targetRecordsCount" json:"targetRecordsCount"`
	Matched            bool  `yaml:"matched" json:"matched"`
}

// Mismatch is one row differing between the sides
type Mismatch struct {
	Key string `yaml:"key" json:"key"`
	// Kind is MISSING (only on source), EXTRA (only on target) or DIFFERENT
	Kind    string   `yaml:"kind" json:"kind"`
	Changes []string `yaml:"changes,omitempty" json:"changes,omitempty"`
}

const (
	MismatchMissing   = "MISSING"
	MismatchExtra     = "EXTRA"
	MismatchDifferent = "DIFFERENT"
)

// ContentCheck compares the row contents
type ContentCheck struct {
	Matched bool `yaml:"matched" json:"matched"`
	// SourceDigest and TargetDigest are set by the digest algorithms
	SourceDigest string     `yaml:"sourceDigest,omitempty" json:"sourceDigest,omitempty"`
	TargetDigest string     `yaml:"targetDigest,omitempty" json:"targetDigest,omitempty"`
	Mismatches   []Mismatch `yaml:"mismatches,omitempty" json:"mismatches,omitempty"`
	// MismatchCount may exceed the recorded mismatches
	MismatchCount int64 `yaml:"mismatchCount,omitempty" json:"mismatchCount,omitempty"`
}

// Result is the check outcome of one logical table, a mismatch is a result and not an error
type Result struct {
	TableName     string       `yaml:"tableName" json:"tableName"`
	AlgorithmType string       `yaml:"algorithmType" json:"algorithmType"`
	CountCheck    CountCheck   `yaml:"countCheck" json:"countCheck"`
	ContentCheck  ContentCheck `yaml:"contentCheck" json:"contentCheck"`
	// IgnoredType is set when the algorithm could not check the table
	IgnoredType string `yaml:"ignoredType,omitempty" json:"ignoredType,omitempty"`
}

func (r *Result) Matched() bool {
	return r.IgnoredType == "" && r.CountCheck.Matched && r.ContentCheck.Matched
}

// Results is the persisted map of a check job keyed by logical table
type Results map[string]*Result

func (r Results) Marshal() (string, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal consistency check results failed: %v", err)
	}
	return string(b), nil
}

func UnmarshalResults(s string) (Results, error) {
	r := make(Results)
	if err := yaml.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("unmarshal consistency check results failed: %v", err)
	}
	return r, nil
}

// Matched reports whether every table matched
func (r Results) Matched() bool {
	if len(r) == 0 {
		return false
	}
	for _, res := range r {
		if !res.Matched() {
			return false
		}
	}
	return true
}

// TableNames returns the sorted table names
func (r Results) TableNames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
