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
package connector

import (
	"github.com/wentaojin/scaling/database"
	"github.com/wentaojin/scaling/database/mysql"
	"github.com/wentaojin/scaling/database/postgresql"
	"github.com/wentaojin/scaling/database/sqlite"
	"github.com/wentaojin/scaling/database/tidb"
	"github.com/wentaojin/scaling/utils/constant"
)

// NewFactory returns a factory able to open every supported data source type
func NewFactory() *database.Factory {
	return database.NewFactory().
		Register(constant.DatabaseTypeMySQL, mysql.NewDatabase).
		Register(constant.DatabaseTypeTiDB, tidb.NewDatabase).
		Register(constant.DatabaseTypePostgresql, postgresql.NewDatabase).
		Register(constant.DatabaseTypeSQLite, sqlite.NewDatabase)
}
