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
package tidb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

// OffsetPosition is the kafka offset of the next changefeed message to consume
type OffsetPosition struct {
	Partition int
	Offset    int64
	// CommitTs is the tidb commit ts of the message, informational only
	CommitTs uint64
}

func (p OffsetPosition) String() string {
	return fmt.Sprintf("%d%s%d%s%d", p.Partition, constant.StringSeparatorAite, p.Offset, constant.StringSeparatorSharp, p.CommitTs)
}

func (p OffsetPosition) Compare(other position.Position) int {
	o, ok := other.(OffsetPosition)
	if !ok {
		if _, placeholder := other.(position.Placeholder); placeholder {
			return 1
		}
		return -1
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// ParseOffsetPosition parses `<partition>@<offset>#<commitTs>`, the commit ts part is optional
func ParseOffsetPosition(s string) (OffsetPosition, error) {
	partStr, rest, ok := strings.Cut(s, constant.StringSeparatorAite)
	if !ok {
		return OffsetPosition{}, fmt.Errorf("parse kafka offset position [%s] failed: missing partition", s)
	}
	partition, err := strconv.Atoi(partStr)
	if err != nil {
		return OffsetPosition{}, fmt.Errorf("parse kafka offset position [%s] partition failed: %v", s, err)
	}
	offsetStr, tsStr, _ := strings.Cut(rest, constant.StringSeparatorSharp)
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		return OffsetPosition{}, fmt.Errorf("parse kafka offset position [%s] offset failed: %v", s, err)
	}
	var ts uint64
	if tsStr != "" {
		ts, err = strconv.ParseUint(tsStr, 10, 64)
		if err != nil {
			return OffsetPosition{}, fmt.Errorf("parse kafka offset position [%s] commit ts failed: %v", s, err)
		}
	}
	return OffsetPosition{Partition: partition, Offset: offset, CommitTs: ts}, nil
}
