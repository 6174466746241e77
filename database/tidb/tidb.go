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
	"context"

	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/database/mysql"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
)

// Database is a tidb data source. Inventory reads go through the mysql
// protocol, changes are consumed from the ticdc changefeed kafka topic named
// by the data source props.
type Database struct {
	*mysql.Database
}

// NewDatabase opens the url `tidb://host:port/db?params`
func NewDatabase(ctx context.Context, desc *datasource.Descriptor) (database.IDatabase, error) {
	d, err := mysql.Open(ctx, desc, Dialect{})
	if err != nil {
		return nil, err
	}
	return &Database{Database: d}, nil
}

// Dialect is the mysql dialect with kafka offset positions
type Dialect struct {
	mysql.Dialect
}

func (Dialect) DatabaseType() string {
	return constant.DatabaseTypeTiDB
}

func (Dialect) ParsePosition(s string) (position.Position, error) {
	if s == "" {
		return position.Placeholder{}, nil
	}
	return ParseOffsetPosition(s)
}
