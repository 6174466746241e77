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
package postgresql

import (
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/wentaojin/scaling/pipeline/position"
)

// WalPosition is a write ahead log sequence number
type WalPosition struct {
	LSN pglogrepl.LSN
}

func (p WalPosition) String() string {
	return p.LSN.String()
}

func (p WalPosition) Compare(other position.Position) int {
	o, ok := other.(WalPosition)
	if !ok {
		if _, placeholder := other.(position.Placeholder); placeholder {
			return 1
		}
		return -1
	}
	switch {
	case p.LSN < o.LSN:
		return -1
	case p.LSN > o.LSN:
		return 1
	default:
		return 0
	}
}

// ParseWalPosition parses the `%X/%X` text form
func ParseWalPosition(s string) (WalPosition, error) {
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return WalPosition{}, fmt.Errorf("parse wal position [%s] failed: %v", s, err)
	}
	return WalPosition{LSN: lsn}, nil
}
