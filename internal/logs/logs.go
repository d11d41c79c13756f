// Copyright 2025 Boreline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logs provides the structured logger shared by every agent
// component. Log output is JSON; file output is size-rotated.
package logs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	Println(v ...any)
}

// Rotation mirrors the logging section of the agent config.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

// New logs JSON to the given file with size-based rotation. An empty
// file name falls back to stderr via Default.
func New(file string, level string, rot Rotation) *ZapStructuredLogger {
	if file == "" {
		return Default()
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   false,
	})
	core := zapcore.NewCore(newEncoder(), sink, parseLevel(level))
	return &ZapStructuredLogger{
		logger: zap.New(core, zap.AddCallerSkip(1)).Sugar(),
	}
}

func Default() *ZapStructuredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return DiscardLogger()
	}
	return &ZapStructuredLogger{logger: logger.Sugar()}
}

// DiscardLogger swallows all output. Used by tests.
func DiscardLogger() *ZapStructuredLogger {
	observedZapCore, _ := observer.New(zap.InfoLevel)
	observedLogger := zap.New(observedZapCore)
	return &ZapStructuredLogger{
		logger: observedLogger.Sugar(),
	}
}

func newEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.MessageKey = "message"
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.RFC3339TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func (f ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

func (f ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f ZapStructuredLogger) Warnf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}

func (f ZapStructuredLogger) Println(v ...any) {
	f.logger.Infoln(v...)
}
