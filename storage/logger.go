// Copyright 2021-2022 The fluxcast Authors
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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQueryThreshold queries taking longer than this are logged at WARN
const slowQueryThreshold = time.Second

// gormLogger routes gorm log output through apex log
type gormLogger struct {
	logTags log.Fields
	logSQL  bool
}

// newGormLogger define a gorm logger for a driver
func newGormLogger(driver string, logSQL bool) *gormLogger {
	return &gormLogger{
		logTags: log.Fields{"module": "storage", "component": "gorm", "driver": driver},
		logSQL:  logSQL,
	}
}

// LogMode log mode
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return l
}

// Info print info
func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	log.WithFields(l.logTags).Infof(msg, data...)
}

// Warn print warn messages
func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	log.WithFields(l.logTags).Warnf(msg, data...)
}

// Error print error messages
func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	log.WithFields(l.logTags).Errorf(msg, data...)
}

// Trace print sql message
func (l *gormLogger) Trace(
	ctx context.Context, begin time.Time, fc func() (string, int64), err error,
) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	entry := log.WithFields(l.logTags).WithField("elapsed_ms", elapsed.Milliseconds())
	if rows != -1 {
		entry = entry.WithField("rows", rows)
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		entry.WithError(err).Errorf("SQL failed: %s", sql)
	case elapsed >= slowQueryThreshold:
		entry.Warnf("SLOW SQL >= %v (%s)", slowQueryThreshold, sql)
	case l.logSQL:
		entry.Debug(sql)
	}
}
