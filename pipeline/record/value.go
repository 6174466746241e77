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
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizeValue converts a driver scanned value into a stable representation
// shared by readers, writers and the consistency check: []byte becomes string,
// decimals keep their exact text, time is kept as UTC
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if val == nil {
			return nil
		}
		return string(val)
	case sql.RawBytes:
		return string(val)
	case decimal.Decimal:
		return val.String()
	case *decimal.Decimal:
		if val == nil {
			return nil
		}
		return val.String()
	case float32:
		return decimal.NewFromFloat32(val).String()
	case float64:
		return decimal.NewFromFloat(val).String()
	case time.Time:
		return val.UTC()
	default:
		return val
	}
}

// FormatValue renders a value for checksums and row comparison, numeric text
// is canonicalized so "1.50" and "1.5" compare equal across stores
func FormatValue(v any) string {
	switch val := NormalizeValue(v).(type) {
	case nil:
		return "NULL"
	case string:
		if d, err := decimal.NewFromString(val); err == nil && isNumeric(val) {
			return d.String()
		}
		return val
	case time.Time:
		return val.Format("2006-01-02 15:04:05.999999999")
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ToInt64 converts an integer primary key value
func ToInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		return int64(val), nil
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	case string:
		return strconv.ParseInt(val, 10, 64)
	case float64:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("the value [%v] type [%T] is not an integer", v, v)
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return true
}
