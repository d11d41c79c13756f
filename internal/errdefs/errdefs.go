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

// Package errdefs defines the agent error taxonomy: tagged values with a
// category, a numeric code and a details map, instead of error type
// hierarchies. Callers branch on category or code via errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryStorage     Category = "storage"
	CategoryIngestion   Category = "ingestion"
	CategoryDataQuality Category = "data_quality"
	CategoryAlignment   Category = "alignment"
	CategorySync        Category = "sync"
	CategoryInference   Category = "inference"
	CategoryConfig      Category = "config"
	CategoryUnknown     Category = "unknown"
)

type Code int

const (
	CodeStorageConnection  Code = 1001
	CodeStorageQuery       Code = 1002
	CodeStorageTransaction Code = 1003

	CodeOpcUaConnection   Code = 2001
	CodeModbusConnection  Code = 2002
	CodeSourceUnavailable Code = 2003

	CodeDataValidation Code = 3001
	CodeCalibration    Code = 3002
	CodeInterpolation  Code = 3003

	CodeRingNotFound       Code = 4001
	CodeAggregation        Code = 4002
	CodeFeatureCalculation Code = 4003

	CodeSyncTransient Code = 5001
	CodeSyncAuth      Code = 5002
	CodeSyncPermanent Code = 5003

	CodeNoActiveModel          Code = 6001
	CodeModelUnavailable       Code = 6002
	CodeFeatureMissing         Code = 6003
	CodeOutputShapeUnsupported Code = 6004
	CodeChecksumMismatch       Code = 6005

	CodeConfigInvalid Code = 9001
	CodeUnknown       Code = 9999
)

// Error is the one concrete error type the agent raises. Details carry
// structured context for logs and the status endpoint.
type Error struct {
	Category Category
	Code     Code
	Message  string
	Details  map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%d: %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%d: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ToMap renders the error for JSON surfaces.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"category": string(e.Category),
		"code":     int(e.Code),
		"message":  e.Message,
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	if e.Err != nil {
		m["cause"] = e.Err.Error()
	}
	return m
}

func New(cat Category, code Code, format string, v ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, v...)}
}

func Wrap(err error, cat Category, code Code, format string, v ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, v...), Err: err}
}

// WithDetail annotates the error and returns it for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Constructors for the codes raised throughout the pipeline.

func RingNotFound(ringNumber int64) *Error {
	return New(CategoryAlignment, CodeRingNotFound, "ring %d not found", ringNumber).
		WithDetail("ring_number", ringNumber)
}

func Aggregation(ringNumber int64, err error) *Error {
	return Wrap(err, CategoryAlignment, CodeAggregation, "aggregation failed for ring %d", ringNumber).
		WithDetail("ring_number", ringNumber)
}

func FeatureCalculation(ringNumber int64, err error) *Error {
	return Wrap(err, CategoryAlignment, CodeFeatureCalculation, "feature calculation failed for ring %d", ringNumber).
		WithDetail("ring_number", ringNumber)
}

func StorageQuery(op string, err error) *Error {
	return Wrap(err, CategoryStorage, CodeStorageQuery, "query %s failed", op).
		WithDetail("operation", op)
}

func StorageTransaction(op string, err error) *Error {
	return Wrap(err, CategoryStorage, CodeStorageTransaction, "transaction %s failed", op).
		WithDetail("operation", op)
}

func NoActiveModel(zone string) *Error {
	return New(CategoryInference, CodeNoActiveModel, "no active model for zone %q", zone).
		WithDetail("geological_zone", zone)
}

func ModelUnavailable(name string, err error) *Error {
	return Wrap(err, CategoryInference, CodeModelUnavailable, "model %q unavailable", name).
		WithDetail("model_name", name)
}

func FeatureMissing(name string) *Error {
	return New(CategoryInference, CodeFeatureMissing, "feature %q missing from vector", name).
		WithDetail("feature", name)
}

func OutputShapeUnsupported(n int) *Error {
	return New(CategoryInference, CodeOutputShapeUnsupported, "unsupported model output length %d", n).
		WithDetail("output_length", n)
}

func ChecksumMismatch(path, want, got string) *Error {
	return New(CategoryInference, CodeChecksumMismatch, "checksum mismatch for %s", path).
		WithDetail("expected", want).
		WithDetail("actual", got)
}

func SyncTransient(status int, err error) *Error {
	return Wrap(err, CategorySync, CodeSyncTransient, "transient upload failure (status %d)", status).
		WithDetail("status", status)
}

func SyncAuth(status int) *Error {
	return New(CategorySync, CodeSyncAuth, "authentication rejected (status %d)", status).
		WithDetail("status", status)
}

func SyncPermanent(status int) *Error {
	return New(CategorySync, CodeSyncPermanent, "permanent rejection (status %d)", status).
		WithDetail("status", status)
}

func ConfigInvalid(err error) *Error {
	return Wrap(err, CategoryConfig, CodeConfigInvalid, "invalid configuration")
}
