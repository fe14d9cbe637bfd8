package wire

import (
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/node/ledger"
)

type CreateEnvironmentRequest struct {
	Kind       string                 `json:"kind"`
	Definition environment.Definition `json:"definition"`
}

type EnvironmentResponse struct {
	Handle *environment.Handle `json:"handle,omitempty"`
	Error  *ErrorInfo          `json:"error,omitempty"`
}

type HandleRequest struct {
	Kind     string `json:"kind"`
	HandleID string `json:"handle_id"`
}

type Ack struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

type ListRequest struct {
	// Kind restricts the listing to one backend; empty lists every started backend.
	Kind string `json:"kind,omitempty"`
}

type EnvironmentList struct {
	Environments []environment.Handle `json:"environments"`
}

type HistoryRequest struct {
	// HandleID selects the transitions of one handle, oldest first. Empty returns the
	// most recent transitions across every handle, newest first.
	HandleID string `json:"handle_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type HistoryList struct {
	Records []ledger.Record `json:"records"`
}

// RunMessage flows client to server on the Run stream: exactly one Start, then an
// optional Cancel.
type RunMessage struct {
	Start  *RunStart `json:"start,omitempty"`
	Cancel bool      `json:"cancel,omitempty"`
}

type RunStart struct {
	Kind     string            `json:"kind"`
	HandleID string            `json:"handle_id"`
	Request  execution.Request `json:"request"`
}

// RunEvent flows server to client. A run that cannot start yields one Error. A run
// that starts yields Started, any number of Log events, then one Result.
type RunEvent struct {
	Started *RunStarted         `json:"started,omitempty"`
	Log     *execution.LogChunk `json:"log,omitempty"`
	Result  *execution.Result   `json:"result,omitempty"`
	Error   *ErrorInfo          `json:"error,omitempty"`
}

type RunStarted struct {
	ExecutionID string `json:"execution_id"`
}
