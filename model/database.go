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
package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/common"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/utils/constant"
)

// Database is the metadata database configuration, the [meta-db] section
type Database struct {
	Host          string `toml:"host" json:"host"`
	Port          uint64 `toml:"port" json:"port"`
	Username      string `toml:"username" json:"username"`
	Password      string `toml:"password" json:"-"`
	Schema        string `toml:"schema" json:"schema"`
	SlowThreshold uint64 `toml:"slow-threshold" json:"slowThreshold"`
}

// Enabled reports whether a metadata database is configured
func (d *Database) Enabled() bool {
	return d != nil && d.Host != ""
}

func (d *Database) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", d.Username, d.Host, d.Port, d.Schema)
}

// MetaDatabase holds the gorm handle and the readers writers of the metadata tables
type MetaDatabase struct {
	base           *gorm.DB
	datasourceRW   datasource.IDatasource
	logRW          task.ILog
	checkArchiveRW task.ICheckArchive
}

// NewDatabase creates the metadata schema when missing, opens it and migrates the tables
func NewDatabase(ctx context.Context, cfg *Database, logLevel string) (*MetaDatabase, error) {
	if err := createDatabaseSchema(ctx, cfg); err != nil {
		return nil, err
	}

	slowThreshold := cfg.SlowThreshold
	if slowThreshold == 0 {
		slowThreshold = constant.DefaultServerMetaDBSlowMillis
	}
	dsn := buildMysqlDSN(cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Schema)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
		DisableNestedTransaction:                 true,
		Logger:                                   logger.GetGormLogger(logLevel, slowThreshold),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil || db.Error != nil {
		return nil, fmt.Errorf("database open failed, database error: [%v]", err)
	}

	m := NewMetaDatabase(db)

	startTime := time.Now()
	logger.Info("database table migrate starting", zap.String("database", cfg.Schema))
	if err = m.migrateTables(); err != nil {
		return nil, fmt.Errorf("database [%s] migrate tables failed, database error: [%v]", cfg.Schema, err)
	}
	logger.Info("database table migrate end", zap.String("database", cfg.Schema), zap.String("cost", time.Since(startTime).String()))
	return m, nil
}

// NewMetaDatabase wraps an opened gorm handle
func NewMetaDatabase(db *gorm.DB) *MetaDatabase {
	return &MetaDatabase{
		base:           db,
		datasourceRW:   datasource.NewDatasourceRW(db),
		logRW:          task.NewLogRW(db),
		checkArchiveRW: task.NewCheckArchiveRW(db),
	}
}

func createDatabaseSchema(ctx context.Context, cfg *Database) error {
	db, err := sql.Open("mysql", buildMysqlDSN(cfg.Username, cfg.Password, cfg.Host, cfg.Port, ""))
	if err != nil {
		return fmt.Errorf("error on open mysql database connection: %v", err)
	}
	defer db.Close()

	if err = db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed, database error: [%v]", err)
	}
	createSchema := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Schema)
	if _, err = db.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("database sql [%v] exec failed, database error: [%v]", createSchema, err)
	}
	return nil
}

func buildMysqlDSN(user, password, host string, port uint64, schema string) string {
	if !strings.EqualFold(schema, "") {
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local", user, password, host, port, schema)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/?charset=utf8mb4&parseTime=true&loc=Local", user, password, host, port)
}

func (d *MetaDatabase) migrateTables() (err error) {
	for _, m := range []any{new(datasource.Datasource), new(task.Log), new(task.CheckArchive)} {
		if err = d.base.Set("gorm:table_options", " ENGINE=InnoDB DEFAULT CHARACTER SET UTF8MB4 COLLATE UTF8MB4_GENERAL_CI").AutoMigrate(m); err != nil {
			return err
		}
	}
	return nil
}

// Transaction runs fc inside a metadata transaction carried by txnCtx
func (d *MetaDatabase) Transaction(ctx context.Context, fc func(txnCtx context.Context) error) error {
	return d.base.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fc(common.CtxWithTransaction(ctx, tx))
	})
}

func (d *MetaDatabase) DatasourceRW() datasource.IDatasource {
	return d.datasourceRW
}

func (d *MetaDatabase) LogRW() task.ILog {
	return d.logRW
}

func (d *MetaDatabase) CheckArchiveRW() task.ICheckArchive {
	return d.checkArchiveRW
}

func (d *MetaDatabase) Close() error {
	sqlDB, err := d.base.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
