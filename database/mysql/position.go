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
package mysql

import (
	"fmt"
	"strconv"
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"

	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

// BinlogPosition is a binlog file offset, ordered by file sequence then offset
type BinlogPosition struct {
	ServerID uint32
	FileName string
	Pos      uint32
}

func (p BinlogPosition) String() string {
	return fmt.Sprintf("%s%s%d", p.FileName, constant.StringSeparatorDoubleColon, p.Pos)
}

func (p BinlogPosition) Compare(other position.Position) int {
	o, ok := other.(BinlogPosition)
	if !ok {
		if _, placeholder := other.(position.Placeholder); placeholder {
			return 1
		}
		return -1
	}
	return p.binlog().Compare(o.binlog())
}

func (p BinlogPosition) binlog() gomysql.Position {
	return gomysql.Position{Name: p.FileName, Pos: p.Pos}
}

// ParseBinlogPosition parses `<file>:<pos>`, binlog files are named <base>.<sequence>
func ParseBinlogPosition(s string) (BinlogPosition, error) {
	idx := strings.LastIndex(s, constant.StringSeparatorDoubleColon)
	if idx <= 0 {
		return BinlogPosition{}, fmt.Errorf("parse binlog position [%s] failed: want <file>:<pos>", s)
	}
	fileName := s[:idx]
	dot := strings.LastIndex(fileName, constant.StringSeparatorDot)
	if dot < 0 {
		return BinlogPosition{}, fmt.Errorf("parse binlog position [%s] failed: the file [%s] has no sequence", s, fileName)
	}
	if _, err := strconv.ParseUint(fileName[dot+1:], 10, 64); err != nil {
		return BinlogPosition{}, fmt.Errorf("parse binlog position [%s] file sequence failed: %v", s, err)
	}
	pos, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return BinlogPosition{}, fmt.Errorf("parse binlog position [%s] offset failed: %v", s, err)
	}
	return BinlogPosition{FileName: fileName, Pos: uint32(pos)}, nil
}
