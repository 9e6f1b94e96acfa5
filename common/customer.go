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

package common

import "fmt"

// CustomerParam are the caller supplied parameters of a new customer
type CustomerParam struct {
	// FirstName is the customer's given name
	FirstName string `json:"first_name" validate:"required"`
	// LastName is the customer's family name
	LastName string `json:"last_name" validate:"required"`
}

// Customer is one persisted customer record
type Customer struct {
	// ID is the store assigned customer ID
	ID uint64 `json:"id"`
	CustomerParam
}

// String toString function
func (c Customer) String() string {
	return fmt.Sprintf("CUSTOMER[%d:%s %s]", c.ID, c.FirstName, c.LastName)
}
