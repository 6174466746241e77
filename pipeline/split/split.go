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
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/pipeline/position"
)

// Plan is the inventory ranges of one table
type Plan struct {
	TableName string
	// PrimaryKey is the integer key the ranges are defined on, empty when the table is unsplit
	PrimaryKey string
	Positions  []position.Position
}

// Split divides a table into at most concurrency primary key ranges. A table
// without a single integer primary key is copied as one unsplit range.
func Split(ctx context.Context, db database.IDatabase, tableName string, concurrency int) (*Plan, error) {
	cols, err := db.GetTableColumns(ctx, tableName)
	if err != nil {
		return nil, err
	}
	keys := database.PrimaryKeys(cols)
	if len(keys) != 1 || !db.Dialect().IsIntegerType(keys[0].DataType) {
		logger.Warn("the table has no single integer primary key, the inventory is copied unsplit",
			zap.String("table", tableName),
			zap.Strings("primary_keys", database.ColumnNames(keys)))
		return &Plan{TableName: tableName, Positions: []position.Position{position.Unsplit{}}}, nil
	}
	pk := keys[0].Name

	var minKey, maxKey sql.NullInt64
	if err = db.QueryRowContext(ctx, database.BuildMinMaxSQL(db.Dialect(), tableName, pk)).Scan(&minKey, &maxKey); err != nil {
		return nil, fmt.Errorf("query the table [%s] primary key [%s] bounds failed: %v", tableName, pk, err)
	}
	plan := &Plan{TableName: tableName, PrimaryKey: pk}
	if !minKey.Valid || !maxKey.Valid {
		// an empty range, the task only emits the finished record
		plan.Positions = []position.Position{position.PrimaryKey{Begin: 0, End: -1}}
		return plan, nil
	}
	for _, r := range Ranges(minKey.Int64, maxKey.Int64, concurrency) {
		plan.Positions = append(plan.Positions, r)
	}
	logger.Info("the table primary key ranges split",
		zap.String("table", tableName),
		zap.String("primary_key", pk),
		zap.Int64("min", minKey.Int64),
		zap.Int64("max", maxKey.Int64),
		zap.Int("ranges", len(plan.Positions)))
	return plan, nil
}

// Ranges covers [min, max] with at most n contiguous, non overlapping ranges
// of step (max-min)/n, the last one ends at max
func Ranges(lower, upper int64, n int) []position.PrimaryKey {
	if n <= 0 {
		n = 1
	}
	if upper < lower {
		return nil
	}
	// the span of the full int64 domain does not fit an int64
	step := (uint64(upper) - uint64(lower)) / uint64(n)
	var ranges []position.PrimaryKey
	begin := lower
	for i := 0; i < n; i++ {
		end := upper
		if i < n-1 && uint64(upper)-uint64(begin) > step {
			end = begin + int64(step)
		}
		ranges = append(ranges, position.PrimaryKey{Begin: begin, End: end})
		if end == upper {
			break
		}
		begin = end + 1
	}
	return ranges
}
