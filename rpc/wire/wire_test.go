package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"isolate/core/environment"
	"isolate/core/execution"
)

func TestErrorInfoPreservesTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
		kind   string
	}{
		{name: "definition", err: &environment.DefinitionError{Field: "requirements", Reason: "looks like a flag"}, target: environment.ErrDefinition, kind: KindDefinition},
		{name: "build", err: &environment.BuildError{Key: "abc", Backend: "virtualenv", Output: "no matching distribution", Err: errors.New("pip failed")}, target: environment.ErrBuild, kind: KindBuild},
		{name: "unknown backend", err: environment.ErrUnknownBackend, target: environment.ErrUnknownBackend, kind: KindUnknownBackend},
		{name: "not found", err: environment.NotFound("h1"), target: environment.ErrEnvironmentNotFound, kind: KindNotFound},
		{name: "destroyed", err: environment.Destroyed("h1"), target: environment.ErrHandleDestroyed, kind: KindDestroyed},
		{name: "not ready", err: environment.NotReady("h1", environment.StatusBuilding), target: environment.ErrEnvironmentNotReady, kind: KindNotReady},
		{name: "invalid request", err: execution.ErrInvalidRequest, target: execution.ErrInvalidRequest, kind: KindInvalidRequest},
		{name: "protocol", err: &environment.ProtocolError{Op: "run", Err: errors.New("stream ended before a result")}, target: environment.ErrProtocol, kind: KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := ErrorFrom(tc.err)
			if info.Kind != tc.kind {
				t.Fatalf("kind %q, want %q", info.Kind, tc.kind)
			}
			data, err := json.Marshal(info)
			if err != nil {
				t.Fatal(err)
			}
			var decoded ErrorInfo
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatal(err)
			}
			got := decoded.Err()
			if !errors.Is(got, tc.target) {
				t.Fatalf("rebuilt error %v does not match %v", got, tc.target)
			}
			if got.Error() != tc.err.Error() {
				t.Fatalf("message %q, want %q", got.Error(), tc.err.Error())
			}
		})
	}
}

func TestBuildErrorOutputSurvives(t *testing.T) {
	info := ErrorFrom(&environment.BuildError{Key: "k", Backend: "conda", Output: "PackagesNotFoundError", Err: errors.New("conda failed")})
	var buildErr *environment.BuildError
	if !errors.As(info.Err(), &buildErr) || buildErr.Output != "PackagesNotFoundError" || buildErr.Backend != "conda" {
		t.Fatalf("build error lost detail: %+v", buildErr)
	}
}

func TestUnclassifiedError(t *testing.T) {
	if ErrorFrom(nil) != nil {
		t.Fatal("nil error produced info")
	}
	var remote *RemoteError
	if !errors.As(ErrorFrom(errors.New("disk full")).Err(), &remote) {
		t.Fatal("expected RemoteError")
	}
}

func TestCodecRunEvent(t *testing.T) {
	c := Codec{}
	in := &RunEvent{Result: &execution.Result{Outcome: execution.OutcomeSuccess, Value: json.RawMessage(`{"sum":5}`)}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out RunEvent
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Log != nil || out.Result == nil || string(out.Result.Value) != `{"sum":5}` {
		t.Fatalf("decoded %+v", out)
	}
	if c.Name() != "json" {
		t.Fatalf("codec name %q", c.Name())
	}
}
