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
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/r3labs/diff/v2"
	"github.com/shopspring/decimal"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/pipeline/record"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Side is one table taking part in a check
type Side struct {
	DB    database.IDatabase
	Table string
}

// TableParam describes the check of one logical table. The rows of every
// source side together are compared with the rows of the target side.
type TableParam struct {
	LogicTable string
	Sources    []Side
	Target     Side
	Columns    []string
	// UniqueKeys orders and identifies the rows, empty when the table has no unique key
	UniqueKeys []string
	// NumericKeys flags the unique keys that are integers on every side, the other keys
	// are ordered and compared by the bytes of their text form
	NumericKeys   []bool
	ChunkSize     int
	MaxMismatches int
	// Progress receives the number of source records checked since the last call
	Progress func(checked int64)
	// Stopped interrupts the check between chunks
	Stopped func() bool
}

func (p *TableParam) progress(n int64) {
	if p.Progress != nil && n > 0 {
		p.Progress(n)
	}
}

func (p *TableParam) stopped() bool {
	return p.Stopped != nil && p.Stopped()
}

// Algorithm checks a logical table
type Algorithm interface {
	Type() string
	Check(ctx context.Context, param *TableParam) (*Result, error)
}

// AlgorithmInfo describes a built-in algorithm
type AlgorithmInfo struct {
	Type                   string `json:"type"`
	Description            string `json:"description"`
	SupportedDatabaseTypes string `json:"supportedDatabaseTypes"`
}

var allDatabaseTypes = stringutil.StringJoin([]string{
	constant.DatabaseTypeMySQL, constant.DatabaseTypeTiDB, constant.DatabaseTypePostgresql, constant.DatabaseTypeSQLite,
}, constant.StringSeparatorComma)

// Algorithms lists the built-in algorithms ordered by type
func Algorithms() []AlgorithmInfo {
	infos := []AlgorithmInfo{
		{constant.CheckAlgorithmCountMatch, "Match record count only.", allDatabaseTypes},
		{constant.CheckAlgorithmCRC32Match, "Match the XOR of the CRC32 of every record.", allDatabaseTypes},
		{constant.CheckAlgorithmDataMatch, "Match the records one by one in unique key order, reports the differing records.", allDatabaseTypes},
		{constant.CheckAlgorithmMD5Match, "Match the XOR of the MD5 of every record.", allDatabaseTypes},
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// NewAlgorithm builds an algorithm, an empty type is DATA_MATCH
func NewAlgorithm(algorithmType string) (Algorithm, error) {
	switch strings.ToUpper(algorithmType) {
	case constant.CheckAlgorithmCountMatch:
		return countMatch{}, nil
	case constant.CheckAlgorithmCRC32Match:
		return &digestMatch{typ: constant.CheckAlgorithmCRC32Match, newHash: func() hash.Hash { return crc32.NewIEEE() }}, nil
	case constant.CheckAlgorithmMD5Match:
		return &digestMatch{typ: constant.CheckAlgorithmMD5Match, newHash: md5.New}, nil
	case constant.CheckAlgorithmDataMatch, "":
		return dataMatch{}, nil
	default:
		return nil, fmt.Errorf("the consistency check algorithm [%s] is not support", algorithmType)
	}
}

func countRecords(ctx context.Context, s Side) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, database.BuildCountSQL(s.DB.Dialect(), s.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count the table [%s] records failed: %v", s.Table, err)
	}
	return n, nil
}

func countCheck(ctx context.Context, param *TableParam) (CountCheck, error) {
	var c CountCheck
	for _, s := range param.Sources {
		n, err := countRecords(ctx, s)
		if err != nil {
			return c, err
		}
		c.SourceRecordsCount += n
	}
	n, err := countRecords(ctx, param.Target)
	if err != nil {
		return c, err
	}
	c.TargetRecordsCount = n
	c.Matched = c.SourceRecordsCount == c.TargetRecordsCount
	return c, nil
}

type countMatch struct{}

func (countMatch) Type() string { return constant.CheckAlgorithmCountMatch }

func (m countMatch) Check(ctx context.Context, param *TableParam) (*Result, error) {
	c, err := countCheck(ctx, param)
	if err != nil {
		return nil, err
	}
	param.progress(c.SourceRecordsCount)
	return &Result{
		TableName:     param.LogicTable,
		AlgorithmType: m.Type(),
		CountCheck:    c,
		ContentCheck:  ContentCheck{Matched: c.Matched},
	}, nil
}

// digestMatch folds the hash of every record with XOR, the digest does not
// depend on the row order so several source tables combine into one
type digestMatch struct {
	typ     string
	newHash func() hash.Hash
}

func (m *digestMatch) Type() string { return m.typ }

func (m *digestMatch) Check(ctx context.Context, param *TableParam) (*Result, error) {
	c, err := countCheck(ctx, param)
	if err != nil {
		return nil, err
	}
	var src []byte
	for _, s := range param.Sources {
		d, err := m.digest(ctx, s, param, true)
		if err != nil {
			return nil, err
		}
		src = xorInto(src, d)
	}
	tgt, err := m.digest(ctx, param.Target, param, false)
	if err != nil {
		return nil, err
	}
	srcHex, tgtHex := hex.EncodeToString(src), hex.EncodeToString(tgt)
	return &Result{
		TableName:     param.LogicTable,
		AlgorithmType: m.typ,
		CountCheck:    c,
		ContentCheck: ContentCheck{
			Matched:      c.Matched && srcHex == tgtHex,
			SourceDigest: srcHex,
			TargetDigest: tgtHex,
		},
	}, nil
}

func (m *digestMatch) digest(ctx context.Context, s Side, param *TableParam, source bool) ([]byte, error) {
	var (
		sum     []byte
		pending int64
	)
	h := m.newHash()
	err := scanRows(ctx, s, param.Columns, nil, func(row []any) error {
		h.Reset()
		h.Write([]byte(formatRow(row)))
		sum = xorInto(sum, h.Sum(nil))
		if source {
			pending++
			if pending >= int64(param.ChunkSize) {
				param.progress(pending)
				pending = 0
			}
		}
		return nil
	}, param.stopped)
	if source {
		param.progress(pending)
	}
	if sum == nil {
		sum = make([]byte, h.Size())
	}
	return sum, err
}

func xorInto(dst, src []byte) []byte {
	if dst == nil {
		return append([]byte(nil), src...)
	}
	for i := range dst {
		dst[i] ^= src[i]
	}
	return dst
}

func formatRow(row []any) string {
	items := make([]string, len(row))
	for i, v := range row {
		items[i] = record.FormatValue(v)
	}
	return stringutil.StringJoin(items, "\x1f")
}

// scanRows streams a table, stopped is polled every row
func scanRows(ctx context.Context, s Side, columns, orderBy []string, fn func(row []any) error, stopped func() bool) error {
	rows, err := s.DB.QueryContext(ctx, database.BuildOrderedQuerySQL(s.DB.Dialect(), s.Table, columns, orderBy))
	if err != nil {
		return fmt.Errorf("query the table [%s] failed: %v", s.Table, err)
	}
	defer rows.Close()

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if stopped() {
			return nil
		}
		if err = rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan the table [%s] failed: %v", s.Table, err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = record.NormalizeValue(v)
		}
		if err = fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// dataMatch merges the key ordered rows of both sides and diffs the rows with equal keys
type dataMatch struct{}

func (dataMatch) Type() string { return constant.CheckAlgorithmDataMatch }

func (m dataMatch) Check(ctx context.Context, param *TableParam) (*Result, error) {
	res := &Result{TableName: param.LogicTable, AlgorithmType: m.Type()}
	if len(param.UniqueKeys) == 0 {
		res.IgnoredType = constant.CheckIgnoredNoUniqueKey
		return res, nil
	}
	columnIdx := make(map[string]int, len(param.Columns))
	for i, c := range param.Columns {
		columnIdx[c] = i
	}
	keyIdx := make([]int, 0, len(param.UniqueKeys))
	for _, k := range param.UniqueKeys {
		i, ok := columnIdx[k]
		if !ok {
			return nil, fmt.Errorf("the table [%s] unique key [%s] is not a compared column", param.LogicTable, k)
		}
		keyIdx = append(keyIdx, i)
	}

	cursors := make([]*cursor, 0, len(param.Sources))
	for _, s := range param.Sources {
		cur, err := openCursor(ctx, s, param, keyIdx)
		if err != nil {
			closeCursors(cursors)
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	defer closeCursors(cursors)
	target, err := openCursor(ctx, param.Target, param, keyIdx)
	if err != nil {
		return nil, err
	}
	defer target.close()

	var (
		pending int64
		content = ContentCheck{Matched: true}
	)
	mismatch := func(mm Mismatch) {
		content.Matched = false
		content.MismatchCount++
		if len(content.Mismatches) < param.MaxMismatches {
			content.Mismatches = append(content.Mismatches, mm)
		}
	}
	for !param.stopped() {
		src := minCursor(cursors, param.NumericKeys)
		switch {
		case src == nil && target.row == nil:
			param.progress(pending)
			res.CountCheck.Matched = res.CountCheck.SourceRecordsCount == res.CountCheck.TargetRecordsCount
			res.ContentCheck = content
			return res, nil
		case src == nil || (target.row != nil && compareKeys(target.key(), src.key(), param.NumericKeys) < 0):
			mismatch(Mismatch{Key: target.keyString(param.UniqueKeys), Kind: MismatchExtra})
			res.CountCheck.TargetRecordsCount++
			if err = target.next(); err != nil {
				return nil, err
			}
			continue
		case target.row == nil || compareKeys(src.key(), target.key(), param.NumericKeys) < 0:
			mismatch(Mismatch{Key: src.keyString(param.UniqueKeys), Kind: MismatchMissing})
		default:
			changes, err := diffRows(param.Columns, src.row, target.row)
			if err != nil {
				return nil, err
			}
			if len(changes) > 0 {
				mismatch(Mismatch{Key: src.keyString(param.UniqueKeys), Kind: MismatchDifferent, Changes: changes})
			}
			res.CountCheck.TargetRecordsCount++
			if err = target.next(); err != nil {
				return nil, err
			}
		}
		res.CountCheck.SourceRecordsCount++
		if err = src.next(); err != nil {
			return nil, err
		}
		pending++
		if pending >= int64(param.ChunkSize) {
			param.progress(pending)
			pending = 0
		}
	}
	param.progress(pending)
	res.ContentCheck = content
	return res, nil
}

func diffRows(columns []string, src, tgt []any) ([]string, error) {
	a := make(map[string]string, len(columns))
	b := make(map[string]string, len(columns))
	for i, c := range columns {
		a[c] = record.FormatValue(src[i])
		b[c] = record.FormatValue(tgt[i])
	}
	changelog, err := diff.Diff(a, b)
	if err != nil {
		return nil, fmt.Errorf("diff the rows failed: %v", err)
	}
	changes := make([]string, 0, len(changelog))
	for _, c := range changelog {
		changes = append(changes, fmt.Sprintf("%s: %v -> %v", stringutil.StringJoin(c.Path, constant.StringSeparatorDot), c.From, c.To))
	}
	sort.Strings(changes)
	return changes, nil
}

// compareKeys orders key tuples the way the cursors query them, numeric keys by value
// and the others by the bytes of their text form
func compareKeys(a, b []any, numeric []bool) int {
	for i := range a {
		if c := compareValues(a[i], b[i], i < len(numeric) && numeric[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareValues(a, b any, numeric bool) int {
	as, bs := record.FormatValue(a), record.FormatValue(b)
	if numeric {
		da, errA := decimal.NewFromString(as)
		db, errB := decimal.NewFromString(bs)
		if errA == nil && errB == nil {
			return da.Cmp(db)
		}
	}
	return strings.Compare(as, bs)
}

// cursor walks the key ordered rows of one side
type cursor struct {
	side   Side
	keyIdx []int
	rows   interface {
		Next() bool
		Scan(dest ...any) error
		Err() error
		Close() error
	}
	values []any
	ptrs   []any
	row    []any
}

func openCursor(ctx context.Context, s Side, param *TableParam, keyIdx []int) (*cursor, error) {
	columns := param.Columns
	rows, err := s.DB.QueryContext(ctx, database.BuildKeyOrderedQuerySQL(s.DB.Dialect(), s.Table, columns, param.UniqueKeys, param.NumericKeys))
	if err != nil {
		return nil, fmt.Errorf("query the table [%s] failed: %v", s.Table, err)
	}
	c := &cursor{side: s, keyIdx: keyIdx, rows: rows, values: make([]any, len(columns)), ptrs: make([]any, len(columns))}
	for i := range c.values {
		c.ptrs[i] = &c.values[i]
	}
	if err = c.next(); err != nil {
		rows.Close()
		return nil, err
	}
	return c, nil
}

func (c *cursor) next() error {
	if !c.rows.Next() {
		c.row = nil
		if err := c.rows.Err(); err != nil {
			return fmt.Errorf("read the table [%s] failed: %v", c.side.Table, err)
		}
		return nil
	}
	if err := c.rows.Scan(c.ptrs...); err != nil {
		return fmt.Errorf("scan the table [%s] failed: %v", c.side.Table, err)
	}
	c.row = make([]any, len(c.values))
	for i, v := range c.values {
		c.row[i] = record.NormalizeValue(v)
	}
	return nil
}

func (c *cursor) key() []any {
	k := make([]any, len(c.keyIdx))
	for i, idx := range c.keyIdx {
		k[i] = c.row[idx]
	}
	return k
}

func (c *cursor) keyString(names []string) string {
	items := make([]string, len(c.keyIdx))
	for i, idx := range c.keyIdx {
		items[i] = names[i] + "=" + record.FormatValue(c.row[idx])
	}
	return stringutil.StringJoin(items, constant.StringSeparatorComma)
}

func (c *cursor) close() {
	c.rows.Close()
}

func minCursor(cursors []*cursor, numeric []bool) *cursor {
	var m *cursor
	for _, c := range cursors {
		if c.row == nil {
			continue
		}
		if m == nil || compareKeys(c.key(), m.key(), numeric) < 0 {
			m = c
		}
	}
	return m
}

func closeCursors(cursors []*cursor) {
	for _, c := range cursors {
		c.close()
	}
}

// parseIntProp reads a positive integer algorithm property
func parseIntProp(props map[string]string, key string, defaultValue int) (int, error) {
	s, ok := props[key]
	if !ok || s == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("the consistency check property [%s] value [%s] must be a positive integer", key, s)
	}
	return n, nil
}
