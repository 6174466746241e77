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
	"regexp"
	"strings"
)

// matcher table filter interface
type matcher interface {
	matchString(name string) bool
}

type stringMatcher string

func (m stringMatcher) matchString(name string) bool {
	return strings.EqualFold(string(m), name)
}

// trueMatcher match all the `*` pattern
type trueMatcher struct{}

func (trueMatcher) matchString(string) bool {
	return true
}

// regexpMatcher base regexp expression matcher
type regexpMatcher struct {
	pattern *regexp.Regexp
}

func newRegexpMatcher(pat string) (matcher, error) {
	pattern, err := regexp.Compile("(?i)" + pat)
	if err != nil {
		return nil, fmt.Errorf("newRegexpMatcher regexp [%s] compile failed: %v", pat, err)
	}
	return regexpMatcher{pattern: pattern}, nil
}

func (m regexpMatcher) matchString(name string) bool {
	return m.pattern.MatchString(name)
}

// newWildcardMatcher turns a `*` / `?` glob into an anchored regexp matcher
func newWildcardMatcher(pat string) (matcher, error) {
	if pat == "*" {
		return trueMatcher{}, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pat {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return newRegexpMatcher(b.String())
}
