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
package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDatasource keeps the storage units in process, it serves a server
// started without a metadata database
type MemoryDatasource struct {
	mu    sync.RWMutex
	dataS map[string]*Datasource
	seq   uint64
}

func NewMemoryDatasource() *MemoryDatasource {
	return &MemoryDatasource{dataS: make(map[string]*Datasource)}
}

func (m *MemoryDatasource) CreateDatasource(ctx context.Context, desc *Descriptor) (*Datasource, error) {
	ds, err := NewDatasource(desc)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.dataS[desc.Name]; ok {
		ds.ID = old.ID
	} else {
		m.seq++
		ds.ID = m.seq
	}
	m.dataS[desc.Name] = ds
	return ds, nil
}

// ListDatasource pages through the units ordered by name, a zero page size returns all
func (m *MemoryDatasource) ListDatasource(ctx context.Context, page uint64, pageSize uint64) ([]*Datasource, error) {
	m.mu.RLock()
	dataS := make([]*Datasource, 0, len(m.dataS))
	for _, ds := range m.dataS {
		dataS = append(dataS, ds)
	}
	m.mu.RUnlock()
	sort.Slice(dataS, func(i, j int) bool { return dataS[i].DatasourceName < dataS[j].DatasourceName })

	if pageSize == 0 {
		return dataS, nil
	}
	if page == 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= uint64(len(dataS)) {
		return nil, nil
	}
	end := start + pageSize
	if end > uint64(len(dataS)) {
		end = uint64(len(dataS))
	}
	return dataS[start:end], nil
}

func (m *MemoryDatasource) GetDatasource(ctx context.Context, datasourceName string) (*Descriptor, error) {
	m.mu.RLock()
	ds, ok := m.dataS[datasourceName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: [%s]", ErrDatasourceNotFound, datasourceName)
	}
	return ds.Descriptor()
}

func (m *MemoryDatasource) DeleteDatasource(ctx context.Context, datasourceNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range datasourceNames {
		delete(m.dataS, name)
	}
	return nil
}

var (
	_ IDatasource = (*MemoryDatasource)(nil)
	_ IDatasource = (*RWDatasource)(nil)
)

