package environment

import (
	"errors"
	"reflect"
	"testing"
)

func TestKeyIgnoresRequirementOrder(t *testing.T) {
	a := Definition{Requirements: []string{"numpy==1.24", "pyjokes==0.6.0", "rich"}}
	b := Definition{Requirements: []string{" rich", "pyjokes==0.6.0", "numpy==1.24", "rich", ""}}

	if KeyOf("virtualenv", a) != KeyOf("virtualenv", b) {
		t.Fatalf("keys differ for equivalent definitions")
	}
}

func TestKeyDependsOnBackendOptionsAndSalt(t *testing.T) {
	def := Definition{Requirements: []string{"numpy==1.24"}}
	base := KeyOf("virtualenv", def)

	cases := []struct {
		name string
		key  Key
	}{
		{name: "backend", key: KeyOf("conda", def)},
		{name: "option", key: KeyOf("virtualenv", Definition{Requirements: def.Requirements, Options: map[string]string{"python_version": "3.11"}})},
		{name: "salt", key: KeyOf("virtualenv", def, "/opt/python")},
		{name: "requirement", key: KeyOf("virtualenv", Definition{Requirements: []string{"numpy==1.25"}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.key == base {
				t.Fatalf("expected key to change")
			}
			if len(tc.key) != 64 {
				t.Fatalf("key length %d", len(tc.key))
			}
		})
	}
}

func TestKeyFieldsDoNotAlias(t *testing.T) {
	a := KeyOf("virtualenv", Definition{Requirements: []string{"ab", "c"}})
	b := KeyOf("virtualenv", Definition{Requirements: []string{"a", "bc"}})
	if a == b {
		t.Fatal("adjacent requirements aliased")
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(Definition{
		Requirements: []string{"b", " a ", "b", ""},
		Options:      map[string]string{" python_version ": " 3.11 ", "": "x"},
	})
	want := Definition{
		Requirements: []string{"a", "b"},
		Options:      map[string]string{"python_version": "3.11"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize = %+v, want %+v", got, want)
	}
}

func TestValidateRejectsFlags(t *testing.T) {
	cases := []Definition{
		{Requirements: []string{"--index-url=http://evil"}},
		{Requirements: []string{"numpy\n-e ."}},
		{Options: map[string]string{"python_version": "3.11\n"}},
		{Options: map[string]string{"python_version": "3.10", " python_version": "3.11"}},
	}
	for _, def := range cases {
		err := def.Validate()
		if !errors.Is(err, ErrDefinition) {
			t.Fatalf("Validate(%+v) = %v, want ErrDefinition", def, err)
		}
	}
	if err := (Definition{Requirements: []string{"numpy>=1.0"}}).Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestOnlyOptions(t *testing.T) {
	def := Definition{Options: map[string]string{"python_version": "3.11", "channels": "conda-forge"}}
	if err := def.OnlyOptions("python_version", "channels"); err != nil {
		t.Fatalf("OnlyOptions: %v", err)
	}
	var defErr *DefinitionError
	if err := def.OnlyOptions("python_version"); !errors.As(err, &defErr) {
		t.Fatalf("expected DefinitionError, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	h := Handle{ID: "h1", Key: "abc", Status: StatusPending}
	var err error
	for _, next := range []Status{StatusBuilding, StatusReady, StatusDestroyed} {
		h, err = h.Advance(next)
		if err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
	}
	if !h.Status.Terminal() {
		t.Fatalf("destroyed should be terminal")
	}
	if _, err := h.Advance(StatusReady); err == nil {
		t.Fatal("expected destroyed -> ready to fail")
	}
	ready := Handle{Status: StatusReady}
	if _, err := ready.Advance(StatusBuilding); err == nil {
		t.Fatal("expected ready -> building to fail")
	}
}

func TestAdvanceCopiesMeta(t *testing.T) {
	h := Handle{Status: StatusBuilding, Meta: map[string]string{"python": "/x"}}
	next, err := h.Advance(StatusReady)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	next.Meta["python"] = "/y"
	if h.Meta["python"] != "/x" {
		t.Fatal("Advance shared the meta map")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("pip exited 1")
	buildErr := &BuildError{Key: "0123456789abcdef", Backend: "virtualenv", Output: "no matching distribution", Err: cause}
	if !errors.Is(buildErr, ErrBuild) || !errors.Is(buildErr, cause) {
		t.Fatalf("BuildError does not match its sentinel and cause")
	}
	if !errors.Is(NotFound("x"), ErrEnvironmentNotFound) {
		t.Fatal("NotFound sentinel")
	}
	if !errors.Is(Destroyed("x"), ErrHandleDestroyed) {
		t.Fatal("Destroyed sentinel")
	}
	if !errors.Is(NotReady("x", StatusBuilding), ErrEnvironmentNotReady) {
		t.Fatal("NotReady sentinel")
	}
	if !errors.Is(&ProtocolError{Op: "run", Err: cause}, ErrProtocol) {
		t.Fatal("ProtocolError sentinel")
	}
}
