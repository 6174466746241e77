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
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// Changefeed message compression codecs, the sink-uri `compression` parameter
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

var (
	lz4ReaderPool = sync.Pool{
		New: func() interface{} {
			return lz4.NewReader(nil)
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	}
)

// compress is the inverse of decompress, the changefeed producer side
func compress(codec string, data []byte) ([]byte, error) {
	switch codec {
	case "", CompressionNone:
		return data, nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %v", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %v", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression [%s]", codec)
	}
}

func decompress(codec string, data []byte) ([]byte, error) {
	switch codec {
	case "", CompressionNone:
		return data, nil
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionLZ4:
		reader := lz4ReaderPool.Get().(*lz4.Reader)
		reader.Reset(bytes.NewReader(data))
		buffer := bufferPool.Get().(*bytes.Buffer)
		_, err := buffer.ReadFrom(reader)
		lz4ReaderPool.Put(reader)
		// the pooled buffer is reused, hand out a copy
		res := make([]byte, buffer.Len())
		copy(res, buffer.Bytes())
		buffer.Reset()
		bufferPool.Put(buffer)
		return res, err
	default:
		return nil, fmt.Errorf("unsupported compression [%s]", codec)
	}
}
