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
	"github.com/wentaojin/scaling/model/common"
)

// Datasource is a registered migration source storage unit
type Datasource struct {
	ID             uint64 `gorm:"primarykey;autoIncrement;comment:id" json:"id"`
	DatasourceName string `gorm:"not null;type:varchar(60);uniqueIndex:uniq_datasource_name;comment:name of the storage unit" json:"datasourceName"`
	DbType         string `gorm:"not null;type:varchar(30);comment:type of datasource, eg.MYSQL/TIDB/POSTGRES" json:"dbType"`
	URL            string `gorm:"not null;type:varchar(500);comment:connection url" json:"url"`
	Username       string `gorm:"type:varchar(100);comment:username" json:"username"`
	Password       string `gorm:"type:varchar(300);comment:encrypted user password" json:"password"`
	Props          string `gorm:"type:varchar(1000);comment:json encoded connection properties" json:"props"`
	*common.Entity
}

// Descriptor is the connection description of a data source carried in job
// configurations, the password is plain text
type Descriptor struct {
	Name     string            `yaml:"name" json:"name"`
	DbType   string            `yaml:"dbType" json:"dbType"`
	URL      string            `yaml:"url" json:"url"`
	Username string            `yaml:"username" json:"username"`
	Password string            `yaml:"password" json:"-"`
	Props    map[string]string `yaml:"props,omitempty" json:"props,omitempty"`
}

// Prop returns the property or the default value
func (d *Descriptor) Prop(key, defaultValue string) string {
	if v, ok := d.Props[key]; ok && v != "" {
		return v
	}
	return defaultValue
}
