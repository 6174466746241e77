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
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"moul.io/zapgorm2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogTimeFmt = "2006-01-02 15:04:05.000"

	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 128
	DefaultLogMaxDays    = 7
	DefaultLogMaxBackups = 30
)

var (
	mu   sync.RWMutex
	root *zap.Logger
)

// Config is the log section of the server and ctl configuration
type Config struct {
	LogLevel   string `toml:"log-level" json:"log-level"`
	LogFile    string `toml:"log-file" json:"log-file"`
	MaxSize    int    `toml:"max-size" json:"max-size"`
	MaxDays    int    `toml:"max-days" json:"max-days"`
	MaxBackups int    `toml:"max-backups" json:"max-backups"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:   DefaultLogLevel,
		MaxSize:    DefaultLogMaxSize,
		MaxDays:    DefaultLogMaxDays,
		MaxBackups: DefaultLogMaxBackups,
	}
}

// NewRootLogger builds the process logger and replaces the zap globals,
// an empty log file means stdout
func NewRootLogger(cfg *Config) *zap.Logger {
	core := zapcore.NewTee(
		zapcore.NewCore(getEncoder(), getWriteSyncer(cfg), getLevelEnabler(cfg.LogLevel)),
	)
	l := zap.New(core, zap.AddCaller())

	mu.Lock()
	root = l
	mu.Unlock()

	zap.ReplaceGlobals(l)
	return l
}

// GetRootLogger returns the process logger, zap.L() before NewRootLogger is called
func GetRootLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return zap.L()
	}
	return root
}

func GetGormLogger(logLevel string, slowThreshold uint64) zapgorm2.Logger {
	gormLogger := zapgorm2.New(GetRootLogger())
	gormLogger.SlowThreshold = time.Duration(slowThreshold) * time.Millisecond

	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "info", "warn":
		// sql statements are only logged when slow
		gormLogger.LogLevel = gormlogger.Warn
	case "silent":
		gormLogger.LogLevel = gormlogger.Silent
	case "error":
		gormLogger.LogLevel = gormlogger.Error
	}
	gormLogger.IgnoreRecordNotFoundError = true
	gormLogger.LogMode(gormLogger.LogLevel)
	gormLogger.SetAsDefault()
	return gormLogger
}

func getEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(
		zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller_line",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    cEncodeLevel,
			EncodeTime:     cEncodeTime,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   cEncodeCaller,
		})
}

func getWriteSyncer(cfg *Config) zapcore.WriteSyncer {
	if strings.TrimSpace(cfg.LogFile) == "" {
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	})
}

func getLevelEnabler(logLevel string) zapcore.Level {
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "DPANIC":
		return zapcore.DPanicLevel
	case "PANIC":
		return zapcore.PanicLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func cEncodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

func cEncodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + t.Format(LogTimeFmt) + "]")
}

func cEncodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + caller.TrimmedPath() + "]")
}
