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
package database

import (
	"fmt"
	"strings"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// QuoteColumns quotes every column name
func QuoteColumns(d Dialect, columns []string) []string {
	quoted := make([]string, 0, len(columns))
	for _, c := range columns {
		quoted = append(quoted, d.QuoteIdentifier(c))
	}
	return quoted
}

// Placeholders returns n bind markers starting at the 1-based index start
func Placeholders(d Dialect, start, n int) []string {
	marks := make([]string, 0, n)
	for i := 0; i < n; i++ {
		marks = append(marks, d.Placeholder(start+i))
	}
	return marks
}

// BuildUpdateSQL renders UPDATE ... SET ... WHERE with NULL-safe conditions,
// the set values bind first and the where values after them
func BuildUpdateSQL(d Dialect, tableName string, setColumns, whereColumns []string) string {
	sets := make([]string, 0, len(setColumns))
	for i, c := range setColumns {
		sets = append(sets, fmt.Sprintf("%s = %s", d.QuoteIdentifier(c), d.Placeholder(i+1)))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.QuoteIdentifier(tableName),
		stringutil.StringJoin(sets, constant.StringSeparatorComma+" "),
		buildWhere(d, whereColumns, len(setColumns)+1))
}

// BuildDeleteSQL renders DELETE ... WHERE with NULL-safe conditions
func BuildDeleteSQL(d Dialect, tableName string, whereColumns []string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.QuoteIdentifier(tableName), buildWhere(d, whereColumns, 1))
}

func buildWhere(d Dialect, columns []string, start int) string {
	conds := make([]string, 0, len(columns))
	for i, c := range columns {
		conds = append(conds, d.NullSafeEqual(d.QuoteIdentifier(c), d.Placeholder(start+i)))
	}
	return stringutil.StringJoin(conds, " AND ")
}

// BuildRangeQuerySQL renders the keyset page query of an integer primary key range,
// binds are the inclusive begin and end
func BuildRangeQuerySQL(d Dialect, tableName string, columns []string, primaryKey string, limit int) string {
	pk := d.QuoteIdentifier(primaryKey)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s <= %s ORDER BY %s ASC LIMIT %d",
		stringutil.StringJoin(QuoteColumns(d, columns), constant.StringSeparatorComma+" "),
		d.QuoteIdentifier(tableName),
		pk, d.Placeholder(1), pk, d.Placeholder(2), pk, limit)
}

// BuildOrderedQuerySQL renders a whole table scan, ordered when order columns are given
func BuildOrderedQuerySQL(d Dialect, tableName string, columns, orderColumns []string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT %s FROM %s",
		stringutil.StringJoin(QuoteColumns(d, columns), constant.StringSeparatorComma+" "),
		d.QuoteIdentifier(tableName)))
	if len(orderColumns) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(stringutil.StringJoin(QuoteColumns(d, orderColumns), constant.StringSeparatorComma+" "))
	}
	return sb.String()
}

// BuildKeyOrderedQuerySQL renders a whole table scan ordered by the keys, a key not flagged
// as numeric sorts by the bytes of its text form so every store agrees on the order
func BuildKeyOrderedQuerySQL(d Dialect, tableName string, columns, keys []string, numeric []bool) string {
	orders := make([]string, 0, len(keys))
	for i, k := range keys {
		if i < len(numeric) && numeric[i] {
			orders = append(orders, d.QuoteIdentifier(k))
		} else {
			orders = append(orders, d.BinaryOrder(d.QuoteIdentifier(k)))
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		stringutil.StringJoin(QuoteColumns(d, columns), constant.StringSeparatorComma+" "),
		d.QuoteIdentifier(tableName),
		stringutil.StringJoin(orders, constant.StringSeparatorComma+" "))
}

// BuildMinMaxSQL renders the primary key bounds query
func BuildMinMaxSQL(d Dialect, tableName, primaryKey string) string {
	pk := d.QuoteIdentifier(primaryKey)
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", pk, pk, d.QuoteIdentifier(tableName))
}

// BuildCountSQL renders the row count query
func BuildCountSQL(d Dialect, tableName string) string {
	return fmt.Sprintf("SELECT COUNT(1) FROM %s", d.QuoteIdentifier(tableName))
}
