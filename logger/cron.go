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
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CronLogger routes robfig/cron scheduler logs into zap
type CronLogger struct {
	L *zap.Logger
}

func NewCronLogger(l *zap.Logger) cron.Logger {
	return &CronLogger{L: l.WithOptions(zap.AddCallerSkip(2))}
}

func (cl *CronLogger) log(lvl zapcore.Level, msg string, keysAndValues ...interface{}) {
	switch {
	case len(keysAndValues) == 0:
		cl.L.Log(lvl, msg)
	case len(keysAndValues)%2 != 0:
		cl.L.Log(lvl, fmt.Sprintf("%s; %v", msg, keysAndValues))
	default:
		fields := make([]zap.Field, 0, len(keysAndValues)/2)
		for i := 0; i < len(keysAndValues); i += 2 {
			key, ok := keysAndValues[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", keysAndValues[i])
			}
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
		cl.L.Log(lvl, msg, fields...)
	}
}

// Info is used by cron for job start and schedule messages, they are noisy so keep them at debug
func (cl *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	cl.log(zapcore.DebugLevel, msg, keysAndValues...)
}

func (cl *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cl.log(zapcore.ErrorLevel, msg, append(keysAndValues, "error", err)...)
}
