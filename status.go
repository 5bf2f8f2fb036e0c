package datadist

import (
	"errors"
	"fmt"
)

// Status is the stable result code returned by every façade operation.
type Status string

const (
	StatusSuccess Status = "success"

	StatusParamInvalid Status = "param_invalid"
	StatusKvCacheNotExist Status = "kv_cache_not_exist"

	StatusNotYetLink      Status = "not_yet_link"
	StatusAlreadyLink     Status = "already_link"
	StatusExistLink       Status = "exist_link"
	StatusProcessingLink  Status = "processing_link"

	StatusLinkFailed              Status = "link_failed"
	StatusUnlinkFailed            Status = "unlink_failed"
	StatusNotifyPromptUnlinkFailed Status = "notify_prompt_unlink_failed"

	StatusClusterNumExceedLimit Status = "cluster_num_exceed_limit"
	StatusLinkBusy              Status = "link_busy"
	StatusResourceExhausted     Status = "resource_exhausted"

	StatusDeviceOutOfMemory Status = "device_out_of_memory"
	StatusOutOfMemory       Status = "out_of_memory"

	StatusTimeout         Status = "timeout"
	StatusWaitProcTimeout Status = "wait_proc_timeout"

	StatusFeatureNotEnabled Status = "feature_not_enabled"

	StatusNotConnected Status = "not_connected"

	StatusFailed Status = "failed"
)

// Error is a structured datadist error, modeled after the same Op/Code/Msg
// shape used throughout the core for device-driver errors.
type Error struct {
	Op     string // operation that failed, e.g. "PullKvBlocks"
	Status Status
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Status)
	}
	if e.Op != "" {
		return fmt.Sprintf("datadist: %s: %s (%s)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("datadist: %s (%s)", msg, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Status == te.Status
	}
	return false
}

// NewError creates a structured error for the given operation and status.
func NewError(op string, status Status, msg string) *Error {
	return &Error{Op: op, Status: status, Msg: msg}
}

// WrapError wraps an arbitrary error under a status, preserving an already
// structured error's status rather than downgrading it to StatusFailed.
func WrapError(op string, status Status, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{Op: op, Status: de.Status, Msg: de.Msg, Inner: de.Inner}
	}
	return &Error{Op: op, Status: status, Msg: inner.Error(), Inner: inner}
}

// IsStatus reports whether err carries the given status.
func IsStatus(err error, status Status) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Status == status
	}
	return false
}

// StatusOf extracts the status carried by err, or StatusFailed if err is a
// plain, non-datadist error, or StatusSuccess if err is nil.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return StatusFailed
}
