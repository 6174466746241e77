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
	"errors"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wentaojin/scaling/model/common"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// ErrDatasourceNotFound is returned when the storage unit is not registered
var ErrDatasourceNotFound = errors.New("migration source storage unit not found")

type RWDatasource struct {
	common.GormDB
}

func NewDatasourceRW(db *gorm.DB) *RWDatasource {
	m := &RWDatasource{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWDatasource) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(Datasource{}).Name())
}

// CreateDatasource registers the storage unit, the password is stored encrypted
func (rw *RWDatasource) CreateDatasource(ctx context.Context, desc *Descriptor) (*Datasource, error) {
	ds, err := NewDatasource(desc)
	if err != nil {
		return nil, err
	}
	err = rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "datasource_name"}},
		UpdateAll: true,
	}).Create(ds).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return ds, nil
}

func (rw *RWDatasource) GetDatasource(ctx context.Context, datasourceName string) (*Descriptor, error) {
	var dataS []*Datasource
	err := rw.DB(ctx).Model(&Datasource{}).Where("datasource_name = ?", datasourceName).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	if len(dataS) == 0 {
		return nil, fmt.Errorf("%w: [%s]", ErrDatasourceNotFound, datasourceName)
	}
	return dataS[0].Descriptor()
}

func (rw *RWDatasource) ListDatasource(ctx context.Context, page uint64, pageSize uint64) ([]*Datasource, error) {
	var dataS []*Datasource
	err := rw.DB(ctx).Scopes(common.Paginate(int(page), int(pageSize))).Model(&Datasource{}).Order("datasource_name").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("list table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWDatasource) DeleteDatasource(ctx context.Context, datasourceNames []string) error {
	err := rw.DB(ctx).Where("datasource_name IN (?)", datasourceNames).Delete(&Datasource{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

// NewDatasource builds the registry row of a descriptor
func NewDatasource(desc *Descriptor) (*Datasource, error) {
	password, err := stringutil.Encrypt(desc.Password, stringutil.DefaultSecretKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt storage unit [%s] password failed: %v", desc.Name, err)
	}
	props, err := stringutil.MarshalJSON(desc.Props)
	if err != nil {
		return nil, fmt.Errorf("marshal storage unit [%s] props failed: %v", desc.Name, err)
	}
	return &Datasource{
		DatasourceName: desc.Name,
		DbType:         desc.DbType,
		URL:            desc.URL,
		Username:       desc.Username,
		Password:       password,
		Props:          props,
		Entity:         &common.Entity{},
	}, nil
}

// Descriptor decrypts the registry row into a connection descriptor
func (d *Datasource) Descriptor() (*Descriptor, error) {
	password, err := stringutil.Decrypt(d.Password, stringutil.DefaultSecretKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt storage unit [%s] password failed: %v", d.DatasourceName, err)
	}
	desc := &Descriptor{
		Name:     d.DatasourceName,
		DbType:   d.DbType,
		URL:      d.URL,
		Username: d.Username,
		Password: password,
	}
	if d.Props != "" && d.Props != "null" {
		if err = stringutil.UnmarshalJSON([]byte(d.Props), &desc.Props); err != nil {
			return nil, fmt.Errorf("unmarshal storage unit [%s] props failed: %v", d.DatasourceName, err)
		}
	}
	return desc, nil
}
