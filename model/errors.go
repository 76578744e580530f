package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"bringyour.com/erpclient/rpc"
)

var (
	// the record was deleted or removed from its group for good
	ErrRecordDestroyed = errors.New("record destroyed")
	// an operation would discard local edits
	ErrUnsavedChanges = errors.New("unsaved changes")
)

type Validity string

const (
	ValidityValid    Validity = ""
	ValidityRequired Validity = "required"
	ValidityDomain   Validity = "domain"
	ValidityChildren Validity = "children"
)

// local validation failed. Never reaches the network.
type ValidationError struct {
	Fields map[string]Validity
}

func (self *ValidationError) Error() string {
	parts := []string{}
	for field, validity := range self.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", field, validity))
	}
	sort.Strings(parts)
	return fmt.Sprintf("invalid fields: %s", strings.Join(parts, ", "))
}

// the server refused a write because the record changed since it was read
type ConcurrencyError struct {
	RecordId int64
	Fault    *rpc.ServerFault
}

func (self *ConcurrencyError) Error() string {
	return fmt.Sprintf("record %d was modified concurrently: %s", self.RecordId, self.Fault.Message)
}

func (self *ConcurrencyError) Unwrap() error {
	return self.Fault
}

type SaveError struct {
	RecordId int64
	Err      error
}

func (self *SaveError) Error() string {
	return fmt.Sprintf("save record %d: %s", self.RecordId, self.Err)
}

func (self *SaveError) Unwrap() error {
	return self.Err
}

// `Deleted` were removed server side before the first failure
// nothing is removed from the in memory group
type DeleteError struct {
	Failed  []int64
	Deleted []int64
	Err     error
}

func (self *DeleteError) Error() string {
	return fmt.Sprintf("delete %v failed (deleted %v): %s", self.Failed, self.Deleted, self.Err)
}

func (self *DeleteError) Unwrap() error {
	return self.Err
}

const concurrencyFaultCode = "ConcurrencyException"

func saveError(recordId int64, err error) error {
	if fault, ok := rpc.FaultCode(err, concurrencyFaultCode); ok {
		err = &ConcurrencyError{
			RecordId: recordId,
			Fault:    fault,
		}
	}
	return &SaveError{
		RecordId: recordId,
		Err:      err,
	}
}
