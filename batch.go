// Copyright 2025 Edgeo SCADA
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

package publisher

import (
	"fmt"
	"iter"
)

// ServiceResult is the service-level outcome from a response header.
type ServiceResult struct {
	StatusCode  StatusCode
	Diagnostic  DiagnosticInfo
	StringTable []string
}

// Lookup resolves a diagnostic string table index, returning "" when out of range.
func (s ServiceResult) Lookup(index int32) string {
	if index < 0 || int(index) >= len(s.StringTable) {
		return ""
	}
	return s.StringTable[index]
}

// OperationError describes a failed row of a batched call.
type OperationError struct {
	Service    ServiceID
	Index      int
	StatusCode StatusCode
	Diagnostic DiagnosticInfo
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	msg := fmt.Sprintf("publisher: %s operation %d: %s", e.Service, e.Index, e.StatusCode)
	if e.Diagnostic.AdditionalInfo != "" {
		msg += ": " + e.Diagnostic.AdditionalInfo
	}
	return msg
}

// Unwrap exposes the status code to errors.Is and errors.As.
func (e *OperationError) Unwrap() error {
	return e.StatusCode
}

// Operation is one aligned row of a batched call.
type Operation[Req, Res any] struct {
	Index      int
	Request    Req
	Result     Res
	Diagnostic DiagnosticInfo
	StatusCode StatusCode
	// ErrorInfo is nil exactly when StatusCode is good.
	ErrorInfo *OperationError
}

// BatchReconciler pairs the requests of a batched service call with the
// results and diagnostics the server returned.
//
// The server response is never trusted to be well formed. Missing or
// mismatched result arrays force the overall status bad and are trimmed to
// the rows that can be paired; diagnostics are padded. A reconciler is built
// once per response and is read-only afterwards.
type BatchReconciler[Req, Res any] struct {
	service  ServiceID
	result   ServiceResult
	requests []Req
	rows     []Operation[Req, Res]
}

// NewBatchReconciler reconciles one batched response. requests may be nil, in
// which case one zero request per result is assumed. status maps a result to
// its status code; a panic in status yields BadUnknownResponse for that row.
func NewBatchReconciler[Req, Res any](
	service ServiceID,
	header ServiceResult,
	results []Res,
	diagnostics []DiagnosticInfo,
	requests []Req,
	status func(Res) StatusCode,
) *BatchReconciler[Req, Res] {
	b := &BatchReconciler[Req, Res]{service: service, result: header}
	b.result.StringTable = append([]string(nil), header.StringTable...)

	if results == nil {
		b.downgrade("server returned no results")
	}
	if requests == nil {
		requests = make([]Req, len(results))
	}
	b.requests = requests

	n := len(requests)
	if len(results) != len(requests) {
		b.downgrade(fmt.Sprintf("server returned %d results for %d requests", len(results), len(requests)))
		n = min(len(results), len(requests))
	}

	b.rows = make([]Operation[Req, Res], n)
	for i := 0; i < n; i++ {
		var diag DiagnosticInfo
		if i < len(diagnostics) {
			diag = diagnostics[i]
		}
		sc := extractStatus(status, results[i])
		op := Operation[Req, Res]{
			Index:      i,
			Request:    requests[i],
			Result:     results[i],
			Diagnostic: diag,
			StatusCode: sc,
		}
		if !sc.IsGood() {
			op.ErrorInfo = &OperationError{Service: service, Index: i, StatusCode: sc, Diagnostic: diag}
		}
		b.rows[i] = op
	}
	return b
}

func extractStatus[Res any](status func(Res) StatusCode, r Res) (sc StatusCode) {
	if status == nil {
		return StatusBadUnknownResponse
	}
	defer func() {
		if recover() != nil {
			sc = StatusBadUnknownResponse
		}
	}()
	return status(r)
}

// downgrade forces a good service result to BadUnexpectedError and records why.
func (b *BatchReconciler[Req, Res]) downgrade(reason string) {
	if !b.result.StatusCode.IsGood() {
		return
	}
	b.result.StatusCode = StatusBadUnexpectedError
	if b.result.Diagnostic.AdditionalInfo == "" {
		b.result.Diagnostic.AdditionalInfo = reason
	} else {
		b.result.Diagnostic.AdditionalInfo += "; " + reason
	}
}

// Service returns the service the response belongs to.
func (b *BatchReconciler[Req, Res]) Service() ServiceID { return b.service }

// Result returns the overall service result after reconciliation.
func (b *BatchReconciler[Req, Res]) Result() ServiceResult { return b.result }

// Status returns the overall status after reconciliation.
func (b *BatchReconciler[Req, Res]) Status() StatusCode { return b.result.StatusCode }

// Len returns the number of aligned rows.
func (b *BatchReconciler[Req, Res]) Len() int { return len(b.rows) }

// At returns row i.
func (b *BatchReconciler[Req, Res]) At(i int) Operation[Req, Res] { return b.rows[i] }

// All yields the rows in request order.
func (b *BatchReconciler[Req, Res]) All() iter.Seq2[int, Operation[Req, Res]] {
	return func(yield func(int, Operation[Req, Res]) bool) {
		for i, op := range b.rows {
			if !yield(i, op) {
				return
			}
		}
	}
}

// Failed returns the rows whose status is not good.
func (b *BatchReconciler[Req, Res]) Failed() []Operation[Req, Res] {
	var out []Operation[Req, Res]
	for _, op := range b.rows {
		if op.ErrorInfo != nil {
			out = append(out, op)
		}
	}
	return out
}

// Missing returns the requests that have no paired result.
func (b *BatchReconciler[Req, Res]) Missing() []Req {
	if len(b.rows) >= len(b.requests) {
		return nil
	}
	return append([]Req(nil), b.requests[len(b.rows):]...)
}

// Err returns a *ServiceError when the overall status is bad. Row failures
// alone do not make Err non-nil.
func (b *BatchReconciler[Req, Res]) Err() error {
	if !b.result.StatusCode.IsBad() {
		return nil
	}
	return NewServiceError(b.service, b.result.StatusCode, b.result.Diagnostic.AdditionalInfo)
}
