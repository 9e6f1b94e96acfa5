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
	"fmt"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/apex/log"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// GetCustomerStore define a CustomerStore with the driver selected in the config
func GetCustomerStore(config common.StoreConfig) (CustomerStore, error) {
	var db *gorm.DB
	var err error
	switch config.Driver {
	case "sqlite":
		if config.SQLite == nil {
			return nil, fmt.Errorf("sqlite driver selected without sqlite config")
		}
		db, err = openSQLite(*config.SQLite, config.LogSQL)
	case "postgres":
		if config.Postgres == nil {
			return nil, fmt.Errorf("postgres driver selected without postgres config")
		}
		db, err = openPostgres(*config.Postgres, config.LogSQL)
	default:
		return nil, fmt.Errorf("unsupported store driver '%s'", config.Driver)
	}
	if err != nil {
		return nil, err
	}
	return defineGormCustomerStore(db, config.Driver, config.FindAllBatchSize)
}

// openSQLite open a SQLite DB
func openSQLite(config common.SQLiteConfig, logSQL bool) (*gorm.DB, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite", "path": config.Path}
	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: newGormLogger("sqlite", logSQL),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open SQLite DB")
		return nil, fmt.Errorf("open sqlite %s: %w", config.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway, and each connection to ":memory:" would
	// otherwise see its own empty database.
	sqlDB.SetMaxOpenConns(1)
	log.WithFields(logTags).Info("Opened SQLite DB")
	return db, nil
}

// buildPostgresDSN build the libpq style connection string
func buildPostgresDSN(config common.PostgresConfig) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host,
		config.Port,
		config.User,
		config.Database,
		config.SSLMode,
		config.ConnectTimeout,
	)
	if config.Password != "" {
		dsn = fmt.Sprintf("%s password=%s", dsn, config.Password)
	}
	return dsn
}

// openPostgres open a PostgreSQL DB through pgx
func openPostgres(config common.PostgresConfig, logSQL bool) (*gorm.DB, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "postgres",
		"instance":  fmt.Sprintf("%s:%d/%s", config.Host, config.Port, config.Database),
	}
	pgxConfig, err := pgx.ParseConfig(buildPostgresDSN(config))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid PostgreSQL connection params")
		return nil, fmt.Errorf("parse postgres connection params: %w", err)
	}
	sqlDB := stdlib.OpenDB(*pgxConfig)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)

	ctxt, cancel := context.WithTimeout(
		context.Background(), time.Second*time.Duration(config.ConnectTimeout),
	)
	defer cancel()
	if err := sqlDB.PingContext(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach PostgreSQL")
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: newGormLogger("postgres", logSQL),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open PostgreSQL DB")
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	log.WithFields(logTags).Info("Opened PostgreSQL DB")
	return db, nil
}
