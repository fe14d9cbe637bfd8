package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Meta keys a builder may set on a handle to steer execution.
const (
	// MetaPython is the interpreter used for python callables. Defaults to <locator>/bin/python.
	MetaPython = "python"
	// MetaPrefixVar names the variable that receives the locator (VIRTUAL_ENV, CONDA_PREFIX).
	MetaPrefixVar = "prefix_var"
)

var ErrInvalidRequest = errors.New("invalid execution request")

// Method selects how a Callable's source is run.
type Method string

const (
	MethodPython Method = "python"
	MethodShell  Method = "shell"
)

// Callable is code shipped into an environment. For python, Source is a module body and
// Entry names the function to call. For shell, Source is a POSIX sh script and Entry is
// unused.
type Callable struct {
	Method Method `json:"method"`
	Source string `json:"source"`
	Entry  string `json:"entry,omitempty"`
}

// Request describes one execution.
type Request struct {
	Function Callable                   `json:"function"`
	Args     []json.RawMessage          `json:"args,omitempty"`
	Kwargs   map[string]json.RawMessage `json:"kwargs,omitempty"`
	Timeout  time.Duration              `json:"timeout,omitempty"`
	Env      map[string]string          `json:"env,omitempty"`
}

func (r Request) Validate() error {
	switch r.Function.Method {
	case MethodPython:
		if r.Function.Entry == "" {
			return fmt.Errorf("%w: python callable needs an entry function", ErrInvalidRequest)
		}
	case MethodShell:
		if len(r.Kwargs) > 0 {
			return fmt.Errorf("%w: shell callables take positional args only", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, r.Function.Method)
	}
	if r.Function.Source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidRequest)
	}
	for i, arg := range r.Args {
		if !json.Valid(arg) {
			return fmt.Errorf("%w: arg %d is not valid JSON", ErrInvalidRequest, i)
		}
	}
	for name, arg := range r.Kwargs {
		if !json.Valid(arg) {
			return fmt.Errorf("%w: kwarg %q is not valid JSON", ErrInvalidRequest, name)
		}
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}

// Outcome is how an execution ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Failure is an error raised by the callable, reported as data.
type Failure struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Type
	}
	return f.Type + ": " + f.Message
}

type Result struct {
	ExecutionID string          `json:"execution_id"`
	Outcome     Outcome         `json:"outcome"`
	Value       json.RawMessage `json:"value,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Duration    time.Duration   `json:"duration"`
}

// Source says who produced a log chunk.
type Source string

const (
	SourceBuilder Source = "builder"
	SourceBridge  Source = "bridge"
	SourceUser    Source = "user"
)

type Level string

const (
	LevelTrace   Level = "trace"
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelStdout  Level = "stdout"
	LevelStderr  Level = "stderr"
)

// LogChunk is one line of execution output. Seq starts at 1 and increases by one per
// chunk of the same execution.
type LogChunk struct {
	Seq     uint64    `json:"seq"`
	Source  Source    `json:"source"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
