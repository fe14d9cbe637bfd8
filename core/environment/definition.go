package environment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Definition describes what an isolated environment needs. Requirement order is
// irrelevant; Options carry backend-specific build settings.
type Definition struct {
	Requirements []string          `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Options      map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Key is the deterministic identity of a normalized definition for one backend.
type Key string

// Short returns a prefix of the key suitable for log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

func (k Key) String() string { return string(k) }

// Normalize returns the canonical form of def: requirements trimmed, deduplicated and
// sorted, option keys and values trimmed, empty keys dropped.
func Normalize(def Definition) Definition {
	out := Definition{}
	if len(def.Requirements) > 0 {
		seen := make(map[string]struct{}, len(def.Requirements))
		for _, req := range def.Requirements {
			req = strings.TrimSpace(req)
			if req == "" {
				continue
			}
			if _, ok := seen[req]; ok {
				continue
			}
			seen[req] = struct{}{}
			out.Requirements = append(out.Requirements, req)
		}
		sort.Strings(out.Requirements)
	}
	for k, v := range def.Options {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if out.Options == nil {
			out.Options = make(map[string]string, len(def.Options))
		}
		out.Options[k] = strings.TrimSpace(v)
	}
	return out
}

// Validate rejects requirement entries that could be interpreted as tool flags or
// break line-oriented requirement files, and option names that collide once trimmed.
func (d Definition) Validate() error {
	for _, req := range d.Requirements {
		trimmed := strings.TrimSpace(req)
		if strings.ContainsAny(req, "\n\r\x00") {
			return &DefinitionError{Field: "requirements", Reason: fmt.Sprintf("entry %q contains a control character", req)}
		}
		if strings.HasPrefix(trimmed, "-") {
			return &DefinitionError{Field: "requirements", Reason: fmt.Sprintf("entry %q looks like a flag", trimmed)}
		}
	}
	names := make([]string, 0, len(d.Options))
	for k := range d.Options {
		names = append(names, k)
	}
	sort.Strings(names)
	seen := make(map[string]string, len(names))
	for _, k := range names {
		if strings.ContainsAny(k+d.Options[k], "\n\r\x00") {
			return &DefinitionError{Field: "options", Reason: fmt.Sprintf("option %q contains a control character", k)}
		}
		trimmed := strings.TrimSpace(k)
		if other, dup := seen[trimmed]; dup {
			return &DefinitionError{Field: "options", Reason: fmt.Sprintf("options %q and %q name the same option", other, k)}
		}
		seen[trimmed] = k
	}
	return nil
}

// Option returns a trimmed option value.
func (d Definition) Option(name string) string {
	if d.Options == nil {
		return ""
	}
	return strings.TrimSpace(d.Options[name])
}

// OnlyOptions returns a DefinitionError naming the first option not in allowed.
func (d Definition) OnlyOptions(allowed ...string) error {
	if len(d.Options) == 0 {
		return nil
	}
	ok := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		ok[name] = struct{}{}
	}
	names := make([]string, 0, len(d.Options))
	for name := range d.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, known := ok[strings.TrimSpace(name)]; !known {
			return &DefinitionError{Field: "options", Reason: fmt.Sprintf("unsupported option %q", name)}
		}
	}
	return nil
}

// KeyOf derives the key of def for the named backend. Salt values let a backend mix in
// build inputs that live outside the definition (interpreter prefix, remote address).
func KeyOf(backend string, def Definition, salt ...string) Key {
	norm := Normalize(def)
	h := sha256.New()
	writeField(h, "backend", backend)
	for _, req := range norm.Requirements {
		writeField(h, "req", req)
	}
	optNames := make([]string, 0, len(norm.Options))
	for name := range norm.Options {
		optNames = append(optNames, name)
	}
	sort.Strings(optNames)
	for _, name := range optNames {
		writeField(h, "opt", name+"="+norm.Options[name])
	}
	for _, s := range salt {
		writeField(h, "salt", s)
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// writeField length-prefixes every value so adjacent fields cannot alias.
func writeField(h interface{ Write([]byte) (int, error) }, tag, value string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(value)))
	_, _ = h.Write([]byte(tag))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(value))
}
