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
	"go.uber.org/zap"
)

func caller() *zap.Logger {
	return GetRootLogger().WithOptions(zap.AddCallerSkip(1))
}

func Debug(msg string, fields ...zap.Field) {
	caller().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	caller().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	caller().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	caller().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	caller().Fatal(msg, fields...)
}

// Sync flushes buffered log entries
func Sync() error {
	return GetRootLogger().Sync()
}
