// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds the process logger, installs it as the zap global and returns
// it along with a flush function for deferred use in main.
func Init(level string) (*zap.Logger, func(), error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, func() { _ = logger.Sync() }, nil
}

// kgoLogger bridges franz-go client logs into zap at a capped level, so the
// Kafka driver can be quieter than the application.
type kgoLogger struct {
	logger *zap.SugaredLogger
	level  kgo.LogLevel
}

// NewKgoLogger returns a kgo.Logger which emits through `logger`.
// `level` caps the driver's verbosity ("none" silences it entirely).
func NewKgoLogger(logger *zap.Logger, level string) kgo.Logger {
	return kgoLogger{
		logger: logger.Named("kgo").WithOptions(zap.AddCallerSkip(1)).Sugar(),
		level:  toKgoLogLevel(level),
	}
}

func toKgoLogLevel(level string) kgo.LogLevel {
	switch level {
	case "debug", "trace":
		return kgo.LogLevelDebug
	case "info":
		return kgo.LogLevelInfo
	case "warn":
		return kgo.LogLevelWarn
	case "error":
		return kgo.LogLevelError
	}
	return kgo.LogLevelNone
}

func (kl kgoLogger) Level() kgo.LogLevel {
	return kl.level
}

func (kl kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelDebug:
		kl.logger.Debugw(msg, keyvals...)
	case kgo.LogLevelInfo:
		kl.logger.Infow(msg, keyvals...)
	case kgo.LogLevelWarn:
		kl.logger.Warnw(msg, keyvals...)
	case kgo.LogLevelError:
		kl.logger.Errorw(msg, keyvals...)
	}
}
