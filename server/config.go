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
package server

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Config is the configuration for the scaling server
type Config struct {
	FlagSet        *flag.FlagSet             `toml:"-" json:"-"`
	ConfigFile     string                    `toml:"config-file" json:"config-file"`
	ServerOptions  *configutil.ServerOptions `toml:"server" json:"server"`
	EmbedOptions   *configutil.EmbedOptions  `toml:"embed" json:"embed"`
	MetaDB         *model.Database           `toml:"meta-db" json:"meta-db"`
	PipelineConfig *service.PipelineConfig   `toml:"pipeline" json:"pipeline"`
	LogConfig      *logger.Config            `toml:"log" json:"log"`
}

func NewConfig() *Config {
	cfg := &Config{
		ServerOptions: configutil.DefaultServerConfig(),
		EmbedOptions:  configutil.DefaultEmbedConfig(),
		MetaDB:        &model.Database{},
		PipelineConfig: &service.PipelineConfig{
			BatchSize:       constant.DefaultPipelineBatchSize,
			FetchSize:       constant.DefaultPipelineFetchSize,
			ChannelCapacity: constant.DefaultPipelineChannelCapacity,
			Concurrency:     constant.DefaultPipelineInventoryThreads,
			ImporterLanes:   constant.DefaultPipelineImporterLanes,
			RetryTimes:      constant.DefaultPipelineRetryTimes,
		},
		LogConfig: logger.DefaultConfig(),
	}
	cfg.FlagSet = flag.NewFlagSet("scaling", flag.ContinueOnError)
	fs := cfg.FlagSet
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage of scaling server:")
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.ServerOptions.Name, "name", cfg.ServerOptions.Name, "server instance name")
	fs.StringVar(&cfg.ServerOptions.Addr, "addr", cfg.ServerOptions.Addr, "server http api listen addr")
	fs.StringVar(&cfg.ServerOptions.Endpoints, "endpoints", "", "comma separated governance etcd endpoints")
	fs.BoolVar(&cfg.ServerOptions.Embed, "embed", false, "start an embedded etcd as the governance store")
	fs.StringVar(&cfg.EmbedOptions.DataDir, "data-dir", cfg.EmbedOptions.DataDir, "embedded etcd data dir")
	fs.StringVar(&cfg.LogConfig.LogLevel, "L", cfg.LogConfig.LogLevel, "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.LogConfig.LogFile, "log-file", "", "log file path")
	return cfg
}

func (c *Config) Parse(args []string) error {
	err := c.FlagSet.Parse(args)
	if err != nil {
		return err
	}

	if c.ConfigFile != "" {
		if err = c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(args)
	if err != nil {
		return err
	}

	if len(c.FlagSet.Args()) != 0 {
		return fmt.Errorf("server config invalid flag: [%v]", c.FlagSet.Args())
	}
	return nil
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config decode from file failed: %v", err)
	}
	return nil
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		logger.Error("marshal to json", zap.Reflect("server config", c), zap.Error(err))
	}
	return stringutil.BytesToString(cfg)
}
