package environment

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a materialized environment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
	StatusDestroyed Status = "destroyed"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusReady, StatusFailed},
	StatusReady:    {StatusDestroyed},
	StatusFailed:   {StatusDestroyed},
}

// CanTransition reports whether s may move to next. Handles never move backwards and
// destroyed is terminal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusDestroyed }

// Handle references a materialized environment. Handles are values: a Ready handle
// is never modified in place, the manager hands out fresh copies on every transition.
type Handle struct {
	ID        string            `json:"id"`
	Key       Key               `json:"key"`
	Backend   string            `json:"backend"`
	Locator   string            `json:"locator,omitempty"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Advance returns a copy of h in the next status, or an error if the move is illegal.
func (h Handle) Advance(next Status) (Handle, error) {
	if !h.Status.CanTransition(next) {
		return h, fmt.Errorf("environment %s: illegal transition %s -> %s", h.Key.Short(), h.Status, next)
	}
	out := h
	out.Status = next
	if len(h.Meta) > 0 {
		out.Meta = make(map[string]string, len(h.Meta))
		for k, v := range h.Meta {
			out.Meta[k] = v
		}
	}
	return out, nil
}

// Ready reports whether the handle can accept executions.
func (h Handle) Ready() bool { return h.Status == StatusReady }
