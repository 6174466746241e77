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

import (
	"fmt"
	"strings"

	"github.com/scylladb/go-set/strset"
)

// Filter decides whether a change event table belongs to the job,
// incremental dumpers emit a placeholder record for the tables not matched
type Filter interface {
	MatchTable(table string) bool
}

// Rule syntax:
//
//	t_order        exact table name, case-insensitive
//	t_order_*      wildcard, `*` and `?` supported
//	~^t_order_\d+$ regular expression
//	!t_order_tmp   negative rule, checked before the positive rules
type tableFilter struct {
	exact    *strset.Set
	positive []matcher
	negative []matcher
}

// Parse builds a table filter from the rules, an empty rule list matches nothing
func Parse(rules []string) (Filter, error) {
	f := &tableFilter{exact: strset.New()}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		negative := strings.HasPrefix(rule, "!")
		if negative {
			rule = strings.TrimSpace(rule[1:])
		}

		m, err := parseRule(rule)
		if err != nil {
			return nil, err
		}
		switch {
		case negative:
			f.negative = append(f.negative, m)
		case isExact(rule):
			f.exact.Add(strings.ToLower(rule))
		default:
			f.positive = append(f.positive, m)
		}
	}
	return f, nil
}

// MustParse is Parse for static rules, it panics on an invalid rule
func MustParse(rules ...string) Filter {
	f, err := Parse(rules)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *tableFilter) MatchTable(table string) bool {
	for _, m := range f.negative {
		if m.matchString(table) {
			return false
		}
	}
	if f.exact.Has(strings.ToLower(table)) {
		return true
	}
	for _, m := range f.positive {
		if m.matchString(table) {
			return true
		}
	}
	return false
}

func parseRule(rule string) (matcher, error) {
	switch {
	case strings.HasPrefix(rule, "~"):
		if len(rule) == 1 {
			return nil, fmt.Errorf("table filter rule [%s] regexp is empty", rule)
		}
		return newRegexpMatcher(rule[1:])
	case strings.ContainsAny(rule, "*?"):
		return newWildcardMatcher(rule)
	default:
		return stringMatcher(rule), nil
	}
}

func isExact(rule string) bool {
	return !strings.HasPrefix(rule, "~") && !strings.ContainsAny(rule, "*?")
}
