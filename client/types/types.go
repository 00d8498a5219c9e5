package types

import (
	"encoding/json"
	"time"
)

// FailureKind classifies a fetch failure. Local kinds (admission denied,
// circuit open) never correspond to a remote attempt.
type FailureKind string

const (
	AdmissionDenied   FailureKind = "admission_denied"
	CircuitOpen       FailureKind = "circuit_open"
	RemoteTimeout     FailureKind = "remote_timeout"
	RemoteServerError FailureKind = "remote_server_error"
	RemoteClientError FailureKind = "remote_client_error"
)

// FetchRequest describes a single dataset fetch. Immutable once issued.
type FetchRequest struct {
	Identifier     string
	IncludePayload bool

	// Optional reference-period window, passed through to the remote API.
	StartPeriod string
	EndPeriod   string
}

// FetchSuccess carries the outcome of a successful remote call. Payload is
// nil unless the request asked for it; ObservationCount is extracted either
// way.
type FetchSuccess struct {
	Payload          json.RawMessage
	ObservationCount int
	Latency          time.Duration
}

type FetchFailure struct {
	Kind      FailureKind
	Message   string
	Retryable bool
}

// FetchResult is a tagged variant: exactly one of Success and Failure is set.
type FetchResult struct {
	Success *FetchSuccess
	Failure *FetchFailure
}

func (r FetchResult) IsSuccess() bool {
	return r.Success != nil
}

func NewSuccessResult(payload json.RawMessage, observationCount int, latency time.Duration) FetchResult {
	return FetchResult{Success: &FetchSuccess{
		Payload:          payload,
		ObservationCount: observationCount,
		Latency:          latency,
	}}
}

func NewFailureResult(kind FailureKind, message string, retryable bool) FetchResult {
	return FetchResult{Failure: &FetchFailure{
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
	}}
}

type BatchSuccess struct {
	Identifier string
	Success    FetchSuccess
}

type BatchFailure struct {
	Identifier string
	Failure    FetchFailure
}

// BatchResult partitions the requested identifier set: every requested
// identifier appears in exactly one of the two sequences. Order within each
// sequence follows completion, not submission.
type BatchResult struct {
	Successful []BatchSuccess
	Failed     []BatchFailure
}

type SyncStatus string

const (
	SyncStatusSynced           SyncStatus = "synced"
	SyncStatusSkippedDuplicate SyncStatus = "skipped_duplicate"
	SyncStatusFailed           SyncStatus = "failed"
)

// SyncOutcome reports a repository synchronization. RecordsSynced is zero
// unless Status is synced.
type SyncOutcome struct {
	Identifier    string
	RecordsSynced int
	Status        SyncStatus
	Message       string
}
