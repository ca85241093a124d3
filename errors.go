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
	"context"
	"errors"
	"fmt"
)

// StatusCode is an OPC UA status code.
type StatusCode uint32

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// Status codes the publisher produces or inspects.
const (
	StatusGood                              StatusCode = 0x00000000
	StatusUncertain                         StatusCode = 0x40000000
	StatusBad                               StatusCode = 0x80000000
	StatusBadUnexpectedError                StatusCode = 0x80010000
	StatusBadInternalError                  StatusCode = 0x80020000
	StatusBadOutOfMemory                    StatusCode = 0x80030000
	StatusBadResourceUnavailable            StatusCode = 0x80040000
	StatusBadCommunicationError             StatusCode = 0x80050000
	StatusBadEncodingError                  StatusCode = 0x80060000
	StatusBadDecodingError                  StatusCode = 0x80070000
	StatusBadUnknownResponse                StatusCode = 0x80090000
	StatusBadTimeout                        StatusCode = 0x800A0000
	StatusBadServiceUnsupported             StatusCode = 0x800B0000
	StatusBadShutdown                       StatusCode = 0x800C0000
	StatusBadServerNotConnected             StatusCode = 0x800D0000
	StatusBadNothingToDo                    StatusCode = 0x800F0000
	StatusBadTooManyOperations              StatusCode = 0x80100000
	StatusBadUserAccessDenied               StatusCode = 0x801F0000
	StatusBadSessionIDInvalid               StatusCode = 0x80250000
	StatusBadSessionClosed                  StatusCode = 0x80260000
	StatusBadSubscriptionIDInvalid          StatusCode = 0x80280000
	StatusBadNoCommunication                StatusCode = 0x80310000
	StatusBadWaitingForInitialData          StatusCode = 0x80320000
	StatusBadNodeIDInvalid                  StatusCode = 0x80330000
	StatusBadNodeIDUnknown                  StatusCode = 0x80340000
	StatusBadAttributeIDInvalid             StatusCode = 0x80350000
	StatusBadIndexRangeInvalid              StatusCode = 0x80360000
	StatusBadNotReadable                    StatusCode = 0x803A0000
	StatusBadNotWritable                    StatusCode = 0x803B0000
	StatusBadOutOfRange                     StatusCode = 0x803C0000
	StatusBadNotSupported                   StatusCode = 0x803D0000
	StatusBadNotFound                       StatusCode = 0x803E0000
	StatusBadMonitoringModeInvalid          StatusCode = 0x80410000
	StatusBadMonitoredItemIDInvalid         StatusCode = 0x80420000
	StatusBadMonitoredItemFilterInvalid     StatusCode = 0x80430000
	StatusBadMonitoredItemFilterUnsupported StatusCode = 0x80440000
	StatusBadFilterNotAllowed               StatusCode = 0x80450000
	StatusBadEventFilterInvalid             StatusCode = 0x80470000
	StatusBadContentFilterInvalid           StatusCode = 0x80480000
	StatusBadBrowseNameInvalid              StatusCode = 0x80600000
	StatusBadNoMatch                        StatusCode = 0x806F0000
	StatusBadTooManyMonitoredItems          StatusCode = 0x80DB0000
	StatusBadTooManySubscriptions           StatusCode = 0x80770000
	StatusBadConfigurationError             StatusCode = 0x80890000
	StatusBadNotConnected                   StatusCode = 0x808A0000
	StatusBadDeviceFailure                  StatusCode = 0x808B0000
	StatusBadSensorFailure                  StatusCode = 0x808C0000
	StatusBadOutOfService                   StatusCode = 0x808D0000
	StatusBadDeadbandFilterInvalid          StatusCode = 0x808E0000
	StatusBadAggregateNotSupported          StatusCode = 0x80D50000
	StatusBadAggregateInvalidInputs         StatusCode = 0x80D60000
	StatusBadAggregateConfigurationRejected StatusCode = 0x80DA0000
	StatusBadNoData                         StatusCode = 0x809B0000
	StatusUncertainLastUsableValue          StatusCode = 0x40900000
	StatusUncertainNoCommLastUsable         StatusCode = 0x408F0000
	StatusGoodSubscriptionTransferred       StatusCode = 0x002D0000
	StatusGoodOverload                      StatusCode = 0x002F0000
	StatusGoodClamped                       StatusCode = 0x00300000
	StatusGoodNoData                        StatusCode = 0x00A50000
	StatusGoodMoreData                      StatusCode = 0x00A60000
)

type statusCodeInfo struct {
	name        string
	description string
}

var statusCodeMap = map[StatusCode]statusCodeInfo{
	StatusGood:                              {"Good", "The operation completed successfully"},
	StatusUncertain:                         {"Uncertain", "The operation completed however its outputs may not be usable"},
	StatusBad:                               {"Bad", "The operation failed"},
	StatusBadUnexpectedError:                {"BadUnexpectedError", "An unexpected error occurred"},
	StatusBadInternalError:                  {"BadInternalError", "An internal error occurred"},
	StatusBadOutOfMemory:                    {"BadOutOfMemory", "Not enough memory to complete the operation"},
	StatusBadResourceUnavailable:            {"BadResourceUnavailable", "An operating system resource is not available"},
	StatusBadCommunicationError:             {"BadCommunicationError", "A low level communication error occurred"},
	StatusBadEncodingError:                  {"BadEncodingError", "Encoding halted because of invalid data"},
	StatusBadDecodingError:                  {"BadDecodingError", "Decoding halted because of invalid data"},
	StatusBadUnknownResponse:                {"BadUnknownResponse", "An unrecognized response was received from the server"},
	StatusBadTimeout:                        {"BadTimeout", "The operation timed out"},
	StatusBadServiceUnsupported:             {"BadServiceUnsupported", "The server does not support the requested service"},
	StatusBadShutdown:                       {"BadShutdown", "The operation was cancelled because the application is shutting down"},
	StatusBadServerNotConnected:             {"BadServerNotConnected", "The operation could not complete because the client is not connected to the server"},
	StatusBadNothingToDo:                    {"BadNothingToDo", "There was nothing to do because the client passed a list of operations with no elements"},
	StatusBadTooManyOperations:              {"BadTooManyOperations", "The request could not be processed because it specified too many operations"},
	StatusBadUserAccessDenied:               {"BadUserAccessDenied", "User does not have permission to perform the requested operation"},
	StatusBadSessionIDInvalid:               {"BadSessionIdInvalid", "The session id is not valid"},
	StatusBadSessionClosed:                  {"BadSessionClosed", "The session was closed by the client"},
	StatusBadSubscriptionIDInvalid:          {"BadSubscriptionIdInvalid", "The subscription id is not valid"},
	StatusBadNoCommunication:                {"BadNoCommunication", "Communication with the data source is defined, but not established"},
	StatusBadWaitingForInitialData:          {"BadWaitingForInitialData", "Waiting for the server to obtain values from the underlying data source"},
	StatusBadNodeIDInvalid:                  {"BadNodeIdInvalid", "The syntax of the node id is not valid"},
	StatusBadNodeIDUnknown:                  {"BadNodeIdUnknown", "The node id refers to a node that does not exist in the server address space"},
	StatusBadAttributeIDInvalid:             {"BadAttributeIdInvalid", "The attribute is not supported for the specified Node"},
	StatusBadIndexRangeInvalid:              {"BadIndexRangeInvalid", "The syntax of the index range parameter is invalid"},
	StatusBadNotReadable:                    {"BadNotReadable", "The access level does not allow reading or subscribing to the Node"},
	StatusBadNotWritable:                    {"BadNotWritable", "The access level does not allow writing to the Node"},
	StatusBadOutOfRange:                     {"BadOutOfRange", "The value was out of range"},
	StatusBadNotSupported:                   {"BadNotSupported", "The requested operation is not supported"},
	StatusBadNotFound:                       {"BadNotFound", "A requested item was not found or a search operation ended without success"},
	StatusBadMonitoringModeInvalid:          {"BadMonitoringModeInvalid", "The monitoring mode is invalid"},
	StatusBadMonitoredItemIDInvalid:         {"BadMonitoredItemIdInvalid", "The monitoring item id does not refer to a valid monitored item"},
	StatusBadMonitoredItemFilterInvalid:     {"BadMonitoredItemFilterInvalid", "The monitored item filter parameter is not valid"},
	StatusBadMonitoredItemFilterUnsupported: {"BadMonitoredItemFilterUnsupported", "The server does not support the requested monitored item filter"},
	StatusBadFilterNotAllowed:               {"BadFilterNotAllowed", "A monitoring filter cannot be used in combination with the attribute specified"},
	StatusBadEventFilterInvalid:             {"BadEventFilterInvalid", "The event filter is not valid"},
	StatusBadContentFilterInvalid:           {"BadContentFilterInvalid", "The content filter is not valid"},
	StatusBadBrowseNameInvalid:              {"BadBrowseNameInvalid", "The browse name is invalid"},
	StatusBadNoMatch:                        {"BadNoMatch", "The requested relative path cannot be resolved to a target to return"},
	StatusBadTooManyMonitoredItems:          {"BadTooManyMonitoredItems", "The request could not be processed because there are too many monitored items"},
	StatusBadTooManySubscriptions:           {"BadTooManySubscriptions", "The server has reached its maximum number of subscriptions"},
	StatusBadConfigurationError:             {"BadConfigurationError", "There is a problem with the configuration that affects the usefulness of the value"},
	StatusBadNotConnected:                   {"BadNotConnected", "The variable should receive its value from another variable, but has never been configured to do so"},
	StatusBadDeviceFailure:                  {"BadDeviceFailure", "There has been a failure in the device/data source that generates the value"},
	StatusBadSensorFailure:                  {"BadSensorFailure", "There has been a failure in the sensor from which the value is derived"},
	StatusBadOutOfService:                   {"BadOutOfService", "The source of the data is not operational"},
	StatusBadDeadbandFilterInvalid:          {"BadDeadbandFilterInvalid", "The deadband filter is not valid"},
	StatusBadAggregateNotSupported:          {"BadAggregateNotSupported", "The requested aggregate is not supported by the server"},
	StatusBadAggregateInvalidInputs:         {"BadAggregateInvalidInputs", "The aggregate value could not be derived due to invalid data inputs"},
	StatusBadAggregateConfigurationRejected: {"BadAggregateConfigurationRejected", "The aggregate configuration is not valid for specified node"},
	StatusBadNoData:                         {"BadNoData", "No data exists for the requested time range or event filter"},
	StatusUncertainLastUsableValue:          {"UncertainLastUsableValue", "Whatever was updating this value has stopped doing so"},
	StatusUncertainNoCommLastUsable:         {"UncertainNoCommunicationLastUsableValue", "Communication to the data source has failed. The variable value is the last value that had a good quality"},
	StatusGoodSubscriptionTransferred:       {"GoodSubscriptionTransferred", "The subscription was transferred to another session"},
	StatusGoodOverload:                      {"GoodOverload", "Sampling has slowed down due to resource limitations"},
	StatusGoodClamped:                       {"GoodClamped", "The value written was accepted but was clamped"},
	StatusGoodNoData:                        {"GoodNoData", "No data exists for the requested time range or event filter"},
	StatusGoodMoreData:                      {"GoodMoreData", "More data is available in the time range beyond the number of values requested"},
}

// String returns the symbolic name of the status code.
func (s StatusCode) String() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Description returns a human-readable description of the status code.
func (s StatusCode) Description() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.description
	}
	switch {
	case s.IsGood():
		return "The operation completed successfully"
	case s.IsUncertain():
		return "The operation completed with uncertain result"
	default:
		return "The operation failed"
	}
}

// Error returns a formatted error string with code, name, and description.
func (s StatusCode) Error() string {
	if info, ok := statusCodeMap[s]; ok {
		return fmt.Sprintf("%s (0x%08X): %s", info.name, uint32(s), info.description)
	}
	return fmt.Sprintf("StatusCode 0x%08X", uint32(s))
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return uint32(s)&StatusSeverityMask == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
// The reserved severity 0xC0000000 is treated as bad.
func (s StatusCode) IsBad() bool {
	return uint32(s)&StatusSeverityBad != 0
}

// Code returns the status code with the info bits cleared.
func (s StatusCode) Code() StatusCode {
	return s & 0xFFFF0000
}

// ServiceError is a service-level or operation-level failure reported by a server.
type ServiceError struct {
	Service    ServiceID
	StatusCode StatusCode
	Message    string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("publisher: %s (%s): %s", e.StatusCode, e.Service, e.Message)
	}
	return fmt.Sprintf("publisher: %s (%s)", e.StatusCode, e.Service)
}

// Is reports whether target is a ServiceError with the same status code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

// NewServiceError creates a new ServiceError.
func NewServiceError(svc ServiceID, sc StatusCode, msg string) *ServiceError {
	return &ServiceError{Service: svc, StatusCode: sc, Message: msg}
}

// Configuration errors. Item and group constructors wrap these with context.
var (
	// ErrNoAddress indicates an item has neither a node id nor a browse path.
	ErrNoAddress = errors.New("publisher: item has no node id or browse path")

	// ErrAmbiguousAddress indicates an item has both a node id and a browse path.
	ErrAmbiguousAddress = errors.New("publisher: item has both node id and browse path")

	// ErrNoIdentity indicates an item has no id, display name or address to label it with.
	ErrNoIdentity = errors.New("publisher: item has no identity")

	// ErrInvalidDeadband indicates a dead-band filter with a missing or negative value.
	ErrInvalidDeadband = errors.New("publisher: invalid dead-band filter")

	// ErrEmptySelectClause indicates an event filter with a where clause but nothing selected.
	ErrEmptySelectClause = errors.New("publisher: event filter has a where clause but no select clauses")

	// ErrInvalidItem indicates an item failed range validation.
	ErrInvalidItem = errors.New("publisher: invalid monitored item")

	// ErrInvalidGroup indicates a subscription group failed validation.
	ErrInvalidGroup = errors.New("publisher: invalid subscription group")

	// ErrInvalidNodeID indicates a node id could not be parsed.
	ErrInvalidNodeID = errors.New("publisher: invalid node ID")

	// ErrInvalidBrowsePath indicates a browse path could not be parsed.
	ErrInvalidBrowsePath = errors.New("publisher: invalid browse path")

	// ErrInvalidEndpoint indicates a connection descriptor without a usable endpoint.
	ErrInvalidEndpoint = errors.New("publisher: invalid endpoint")

	// ErrPoolClosed indicates the session pool has been closed.
	ErrPoolClosed = errors.New("publisher: session pool closed")

	// ErrSessionNotFound indicates a release for a connection that holds no session.
	ErrSessionNotFound = errors.New("publisher: session not found")

	// ErrSubscriptionNotFound indicates the subscription was not found.
	ErrSubscriptionNotFound = errors.New("publisher: subscription not found")

	// ErrEngineClosed indicates the engine has been stopped.
	ErrEngineClosed = errors.New("publisher: engine closed")
)

// IsStatusCode checks if an error carries a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode == code
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc == code
	}
	return false
}

// IsBadStatusCode checks if an error carries a bad status code.
func IsBadStatusCode(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode.IsBad()
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc.IsBad()
	}
	return false
}

// StatusCodeOf extracts the status code carried by err. Errors without one
// map to BadTimeout for deadlines and BadCommunicationError otherwise.
func StatusCodeOf(err error) StatusCode {
	if err == nil {
		return StatusGood
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusBadTimeout
	}
	return StatusBadCommunicationError
}

// IsConfigError reports whether err is one of the configuration errors raised at build time.
func IsConfigError(err error) bool {
	for _, target := range []error{
		ErrNoAddress, ErrAmbiguousAddress, ErrNoIdentity, ErrInvalidDeadband,
		ErrEmptySelectClause, ErrInvalidItem, ErrInvalidGroup, ErrInvalidNodeID,
		ErrInvalidBrowsePath, ErrInvalidEndpoint,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
