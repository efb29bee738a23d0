package wizard

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Payload is a step's form data as last accepted.
type Payload map[string]any

// NormalizePayload converts v into a Payload through a JSON
// round trip so that numbers, nested maps and slices have the
// same dynamic types as payloads decoded off the wire.
func NormalizePayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// PayloadEqual reports deep equality. A nil and an empty
// payload are equal.
func PayloadEqual(a, b Payload) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// StepSet is an unordered set of steps. It encodes as a
// sorted JSON array.
type StepSet map[Step]struct{}

// NewStepSet returns a set holding steps.
func NewStepSet(steps ...Step) StepSet {
	s := make(StepSet, len(steps))
	for _, st := range steps {
		s[st] = struct{}{}
	}
	return s
}

// Has reports membership. Safe on a nil set.
func (s StepSet) Has(step Step) bool {
	_, ok := s[step]
	return ok
}

// Sorted returns the members in lexical order.
func (s StepSet) Sorted() []Step {
	out := slices.Collect(maps.Keys(s))
	slices.Sort(out)
	return out
}

// Union returns a new set with the members of both.
func (s StepSet) Union(other StepSet) StepSet {
	out := make(StepSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s StepSet) MarshalJSON() ([]byte, error) {
	steps := s.Sorted()
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(steps)
}

func (s *StepSet) UnmarshalJSON(data []byte) error {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return err
	}
	*s = NewStepSet(steps...)
	return nil
}

// User is the identity projection carried with progress.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
}

// Record is the progress snapshot shared by the cache and the
// remote authority. Version is stamped by the authority and
// increases on every server-side mutation; zero means unknown.
type Record struct {
	CurrentStep    Step             `json:"currentStep"`
	CompletedSteps StepSet          `json:"completedSteps"`
	Progress       int              `json:"progress"`
	StepData       map[Step]Payload `json:"stepData,omitempty"`
	User           User             `json:"user"`
	Version        int64            `json:"version,omitempty"`
}

// Empty reports whether the record holds no progress at all.
func (r Record) Empty() bool {
	return r.CurrentStep == "" && len(r.CompletedSteps) == 0 &&
		len(r.StepData) == 0
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.CompletedSteps = r.CompletedSteps.Union(nil)
	if r.StepData != nil {
		out.StepData = make(map[Step]Payload, len(r.StepData))
		for k, v := range r.StepData {
			out.StepData[k] = v.Clone()
		}
	}
	return out
}

// plainRecord has Record's fields without its methods, so cmp
// walks the fields instead of calling Record.Equal again.
type plainRecord Record

// Equal reports deep equality of two records.
func (r Record) Equal(other Record) bool {
	return cmp.Equal(plainRecord(r), plainRecord(other), cmpopts.EquateEmpty())
}
