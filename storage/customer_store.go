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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// ErrCustomerNotFound no customer with the requested ID
var ErrCustomerNotFound = errors.New("customer not found")

// CustomerHandler callback invoked once per customer when listing customers.
// Returning an error stops the listing.
type CustomerHandler func(ctxt context.Context, customer common.Customer) error

// CustomerStore persistence for customer records
type CustomerStore interface {
	// Save persist a new customer, and return it with its assigned ID
	Save(ctxt context.Context, param common.CustomerParam) (common.Customer, error)
	// FindByID fetch one customer. Returns ErrCustomerNotFound if there is none.
	FindByID(ctxt context.Context, id uint64) (common.Customer, error)
	// FindAll list all customers in ID order, calling the handler for each one
	// as it is read
	FindAll(ctxt context.Context, handler CustomerHandler) error
	// Ready check whether the store is usable
	Ready(ctxt context.Context) error
	// Close release the store's connections
	Close() error
}

// customerRecord DB table entry for one customer
type customerRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	FirstName string `gorm:"not null"`
	LastName  string `gorm:"not null"`
	CreatedAt time.Time
}

// TableName gorm table name
func (customerRecord) TableName() string {
	return "customers"
}

// toCustomer convert DB entry to customer
func (r customerRecord) toCustomer() common.Customer {
	return common.Customer{
		ID: r.ID,
		CustomerParam: common.CustomerParam{
			FirstName: r.FirstName, LastName: r.LastName,
		},
	}
}

// gormCustomerStore implements CustomerStore on top of gorm
type gormCustomerStore struct {
	goutils.Component
	db        *gorm.DB
	sqlDB     *sql.DB
	batchSize int
}

// defineGormCustomerStore define a CustomerStore on an opened gorm DB
func defineGormCustomerStore(
	db *gorm.DB, driver string, batchSize int,
) (CustomerStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "customer-store", "driver": driver,
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid find-all batch size %d", batchSize)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to fetch SQL connection pool")
		return nil, err
	}
	if err := db.AutoMigrate(&customerRecord{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Customer table migration failed")
		return nil, err
	}
	return &gormCustomerStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        db,
		sqlDB:     sqlDB,
		batchSize: batchSize,
	}, nil
}

// Save persist a new customer
func (s *gormCustomerStore) Save(
	ctxt context.Context, param common.CustomerParam,
) (common.Customer, error) {
	localLogTags := s.GetLogTagsForContext(ctxt)
	entry := customerRecord{FirstName: param.FirstName, LastName: param.LastName}
	if tmp := s.db.WithContext(ctxt).Create(&entry); tmp.Error != nil {
		log.WithError(tmp.Error).WithFields(localLogTags).Error("Failed to insert customer")
		return common.Customer{}, fmt.Errorf("insert customer: %w", tmp.Error)
	}
	customer := entry.toCustomer()
	log.WithFields(localLogTags).Debugf("Saved %s", customer)
	return customer, nil
}

// FindByID fetch one customer
func (s *gormCustomerStore) FindByID(
	ctxt context.Context, id uint64,
) (common.Customer, error) {
	var entry customerRecord
	if tmp := s.db.WithContext(ctxt).First(&entry, id); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return common.Customer{}, ErrCustomerNotFound
		}
		log.WithError(tmp.Error).WithFields(s.GetLogTagsForContext(ctxt)).Errorf(
			"Failed to read customer %d", id,
		)
		return common.Customer{}, fmt.Errorf("read customer %d: %w", id, tmp.Error)
	}
	return entry.toCustomer(), nil
}

// FindAll list all customers in ID order.
//
// Rows are read in batches, and no query is held open while the handler runs.
func (s *gormCustomerStore) FindAll(ctxt context.Context, handler CustomerHandler) error {
	localLogTags := s.GetLogTagsForContext(ctxt)
	var batch []customerRecord
	count := 0
	tmp := s.db.WithContext(ctxt).Model(&customerRecord{}).FindInBatches(
		&batch, s.batchSize, func(tx *gorm.DB, batchNum int) error {
			for _, entry := range batch {
				if err := ctxt.Err(); err != nil {
					return err
				}
				if err := handler(ctxt, entry.toCustomer()); err != nil {
					return err
				}
				count++
			}
			return nil
		},
	)
	if tmp.Error != nil {
		log.WithError(tmp.Error).WithFields(localLogTags).Errorf(
			"Customer listing stopped after %d", count,
		)
		return fmt.Errorf("list customers: %w", tmp.Error)
	}
	log.WithFields(localLogTags).Debugf("Listed %d customers", count)
	return nil
}

// Ready check whether the store is usable
func (s *gormCustomerStore) Ready(ctxt context.Context) error {
	return s.sqlDB.PingContext(ctxt)
}

// Close release the store's connections
func (s *gormCustomerStore) Close() error {
	return s.sqlDB.Close()
}
