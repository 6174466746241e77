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
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// batchVersion is the version header of a ticdc open-protocol message key
const batchVersion uint64 = 1

type eventType int

const (
	eventTypeUnknown eventType = iota
	eventTypeRow
	eventTypeDDL
	eventTypeResolved
)

type eventKey struct {
	CommitTs  uint64    `json:"ts"`
	Schema    string    `json:"scm,omitempty"`
	Table     string    `json:"tbl,omitempty"`
	RowID     int64     `json:"rid,omitempty"`
	EventType eventType `json:"t"`
}

// rowValue is a row changed event. An update carries the new image in
// Upsert and the old one in Before, an insert only Upsert.
type rowValue struct {
	Upsert map[string]column `json:"u,omitempty"`
	Before map[string]column `json:"p,omitempty"`
	Delete map[string]column `json:"d,omitempty"`
}

type column struct {
	Type        columnType `json:"t"`
	WhereHandle bool       `json:"h,omitempty"`
	Flag        columnFlag `json:"f"`
	Value       any        `json:"v"`
}

type columnType uint64

const (
	typeTinyint    columnType = 1
	typeSmallint   columnType = 2
	typeInt        columnType = 3
	typeFloat      columnType = 4
	typeDouble     columnType = 5
	typeBigint     columnType = 8
	typeMediumint  columnType = 9
	typeYear       columnType = 13
	typeVarchar    columnType = 15
	typeBit        columnType = 16
	typeTinyBlob   columnType = 249
	typeMediumBlob columnType = 250
	typeLongBlob   columnType = 251
	typeBlob       columnType = 252
	typeVarbinary  columnType = 253
	typeChar       columnType = 254
)

type columnFlag uint64

const (
	binaryFlag columnFlag = 1 << iota
	handleKeyFlag
	generatedColumnFlag
	primaryKeyFlag
	uniqueKeyFlag
	multipleKeyFlag
	nullableFlag
	unsignedFlag
)

func (f columnFlag) has(flag columnFlag) bool {
	return f&flag != 0
}

// isKey reports whether the column identifies the row downstream
func (c column) isKey() bool {
	return c.WhereHandle || c.Flag.has(handleKeyFlag) || c.Flag.has(primaryKeyFlag)
}

// value converts the json value into the go value the importer binds
func (c column) value() (any, error) {
	if c.Value == nil {
		return nil, nil
	}
	switch c.Type {
	case typeTinyBlob, typeMediumBlob, typeLongBlob, typeBlob:
		s, ok := c.Value.(string)
		if !ok {
			return c.Value, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid column value [%v], base64 decoding string failed: %v", c.Value, err)
		}
		if c.Flag.has(binaryFlag) {
			return b, nil
		}
		return string(b), nil
	case typeVarchar, typeVarbinary, typeChar:
		s, ok := c.Value.(string)
		if !ok || !c.Flag.has(binaryFlag) {
			return c.Value, nil
		}
		// binary strings escape the invisible characters
		unquoted, err := strconv.Unquote("\"" + s + "\"")
		if err != nil {
			return nil, fmt.Errorf("invalid column value [%s], strconv unquote failed: %v", s, err)
		}
		return []byte(unquoted), nil
	case typeFloat, typeDouble:
		if n, ok := c.Value.(json.Number); ok {
			f64, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid column value [%v], float64 conv failed: %v", n, err)
			}
			return f64, nil
		}
	case typeTinyint, typeSmallint, typeInt, typeBigint, typeMediumint, typeYear, typeBit:
		if n, ok := c.Value.(json.Number); ok {
			if c.Flag.has(unsignedFlag) || c.Type == typeBit {
				return strconv.ParseUint(n.String(), 10, 64)
			}
			return strconv.ParseInt(n.String(), 10, 64)
		}
	}
	if n, ok := c.Value.(json.Number); ok {
		// decimal keeps its exact text
		return n.String(), nil
	}
	return c.Value, nil
}

// batchDecoder decodes the key value pairs of one kafka message. A message
// key is the version header followed by length prefixed event keys, the
// value holds one length prefixed (and possibly compressed) value per key.
type batchDecoder struct {
	compression string
	keyBytes    []byte
	valueBytes  []byte

	nextKey   *eventKey
	nextValue []byte
}

func newBatchDecoder(compression string) *batchDecoder {
	return &batchDecoder{compression: compression}
}

func (b *batchDecoder) AddKeyValue(key, value []byte) error {
	if len(b.keyBytes) != 0 || len(b.valueBytes) != 0 {
		return fmt.Errorf("open-protocol codec invalid data, decoder key and value not nil")
	}
	if len(key) < 8 {
		return fmt.Errorf("open-protocol codec invalid data, key length [%d] is too short", len(key))
	}
	version := binary.BigEndian.Uint64(key[:8])
	if version != batchVersion {
		return fmt.Errorf("open-protocol codec invalid data, unexpected key format version [%d], should be [%d]", version, batchVersion)
	}
	b.keyBytes = key[8:]
	b.valueBytes = value
	return nil
}

// HasNext moves to the next event of the message
func (b *batchDecoder) HasNext() (eventType, bool, error) {
	if len(b.keyBytes) == 0 {
		b.valueBytes = nil
		return eventTypeUnknown, false, nil
	}
	key, rest, err := cutLengthPrefixed(b.keyBytes)
	if err != nil {
		return eventTypeUnknown, false, fmt.Errorf("open-protocol codec invalid key: %v", err)
	}
	b.keyBytes = rest
	msgKey := new(eventKey)
	if err = json.Unmarshal(key, msgKey); err != nil {
		return eventTypeUnknown, false, fmt.Errorf("unmarshal message event key failed: %v", err)
	}
	b.nextKey = msgKey

	// a resolved event may come without its empty value
	b.nextValue = nil
	if len(b.valueBytes) > 0 {
		value, rest, err := cutLengthPrefixed(b.valueBytes)
		if err != nil {
			return eventTypeUnknown, false, fmt.Errorf("open-protocol codec invalid value: %v", err)
		}
		b.valueBytes = rest
		b.nextValue = value
	}
	return msgKey.EventType, true, nil
}

func (b *batchDecoder) NextResolvedEvent() (uint64, error) {
	if b.nextKey == nil || b.nextKey.EventType != eventTypeResolved {
		return 0, fmt.Errorf("open-protocol codec invalid data, not found resolved event message")
	}
	return b.nextKey.CommitTs, nil
}

func (b *batchDecoder) NextRowEvent() (*eventKey, *rowValue, error) {
	if b.nextKey == nil || b.nextKey.EventType != eventTypeRow {
		return nil, nil, fmt.Errorf("open-protocol codec invalid data, not found row event message")
	}
	value, err := decompress(b.compression, b.nextValue)
	if err != nil {
		return nil, nil, fmt.Errorf("open-protocol codec invalid data, decompress data failed: %v", err)
	}
	row := new(rowValue)
	decoder := json.NewDecoder(bytes.NewReader(value))
	decoder.UseNumber()
	if err = decoder.Decode(row); err != nil {
		return nil, nil, fmt.Errorf("unmarshal message event row failed: %v", err)
	}
	return b.nextKey, row, nil
}

func cutLengthPrefixed(data []byte) ([]byte, []byte, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("length prefix needs 8 bytes, got %d", len(data))
	}
	n := binary.BigEndian.Uint64(data[:8])
	if uint64(len(data)-8) < n {
		return nil, nil, fmt.Errorf("length prefix [%d] exceeds the remaining %d bytes", n, len(data)-8)
	}
	return data[8 : 8+n], data[8+n:], nil
}

// sortedNames returns the column names in a stable order
func sortedNames(cols map[string]column) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
