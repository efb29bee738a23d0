package wizard

import (
	"math"
	"strings"
)

// Step identifies one entry in the wizard catalog.
type Step string

const (
	StepAccountVerified  Step = "account-verified"
	StepOrgChoice        Step = "org-choice"
	StepCompanyProfile   Step = "company-profile"
	StepComplianceIntake Step = "compliance-intake"
	StepIntegrations     Step = "integrations"
	StepTeam             Step = "team"
	StepFirstRFP         Step = "first-rfp"
)

// StepDef describes a single step. RequiredFields is the
// payload schema the remote authority enforces on completion.
type StepDef struct {
	ID             Step     `json:"id"`
	Title          string   `json:"title"`
	Required       bool     `json:"required"`
	RequiredFields []string `json:"requiredFields,omitempty"`
}

// Definition is the ordered step catalog. Order defines
// "ahead of" for navigation checks.
type Definition struct {
	steps []StepDef
	index map[Step]int
}

// New builds a Definition from steps in order. Duplicate IDs
// keep their first position.
func New(steps []StepDef) *Definition {
	d := &Definition{index: make(map[Step]int, len(steps))}
	for _, s := range steps {
		if _, dup := d.index[s.ID]; dup {
			continue
		}
		d.index[s.ID] = len(d.steps)
		d.steps = append(d.steps, s)
	}
	return d
}

// Default returns the onboarding catalog.
func Default() *Definition {
	return New([]StepDef{
		{ID: StepAccountVerified, Title: "Verify account", Required: true},
		{
			ID: StepOrgChoice, Title: "Choose organization",
			Required: true, RequiredFields: []string{"mode"},
		},
		{
			ID: StepCompanyProfile, Title: "Company profile",
			Required: true, RequiredFields: []string{"name", "industry"},
		},
		{
			ID: StepComplianceIntake, Title: "Compliance intake",
			Required: true, RequiredFields: []string{"frameworks"},
		},
		{ID: StepIntegrations, Title: "Integrations"},
		{ID: StepTeam, Title: "Invite team"},
		{
			ID: StepFirstRFP, Title: "First RFP",
			Required: true, RequiredFields: []string{"title"},
		},
	})
}

// Steps returns a copy of the catalog in order.
func (d *Definition) Steps() []StepDef {
	out := make([]StepDef, len(d.steps))
	copy(out, d.steps)
	return out
}

// First returns the first step, or "" for an empty catalog.
func (d *Definition) First() Step {
	if len(d.steps) == 0 {
		return ""
	}
	return d.steps[0].ID
}

// Index returns the position of step in the catalog.
func (d *Definition) Index(step Step) (int, bool) {
	i, ok := d.index[step]
	return i, ok
}

// Contains reports whether step is part of the catalog.
func (d *Definition) Contains(step Step) bool {
	_, ok := d.index[step]
	return ok
}

// Lookup returns the definition of step.
func (d *Definition) Lookup(step Step) (StepDef, bool) {
	i, ok := d.index[step]
	if !ok {
		return StepDef{}, false
	}
	return d.steps[i], true
}

// Ahead reports whether a comes strictly after b. Unknown
// steps are never ahead of anything.
func (d *Definition) Ahead(a, b Step) bool {
	ia, okA := d.index[a]
	ib, okB := d.index[b]
	return okA && okB && ia > ib
}

// RequiredCount returns the number of required steps.
func (d *Definition) RequiredCount() int {
	n := 0
	for _, s := range d.steps {
		if s.Required {
			n++
		}
	}
	return n
}

// Progress returns the completed share of required steps as a
// percentage in [0,100]. Optional steps do not count.
func (d *Definition) Progress(completed StepSet) int {
	total := d.RequiredCount()
	if total == 0 {
		return 0
	}
	done := 0
	for _, s := range d.steps {
		if s.Required && completed.Has(s.ID) {
			done++
		}
	}
	pct := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(pct, 0), 100)
}

// Advance picks the step to show after from was completed:
// the next incomplete step after from, else the first
// incomplete step anywhere. It returns false once every step
// is complete.
func (d *Definition) Advance(
	completed StepSet, from Step,
) (Step, bool) {
	start := 0
	if i, ok := d.index[from]; ok {
		start = i + 1
	}
	for _, s := range d.steps[start:] {
		if !completed.Has(s.ID) {
			return s.ID, true
		}
	}
	for _, s := range d.steps {
		if !completed.Has(s.ID) {
			return s.ID, true
		}
	}
	return "", false
}

// Sanitize drops completed steps and step data outside the
// catalog and resets an unknown current step to First.
func (d *Definition) Sanitize(rec Record) Record {
	out := rec.Clone()
	for s := range out.CompletedSteps {
		if !d.Contains(s) {
			delete(out.CompletedSteps, s)
		}
	}
	for s := range out.StepData {
		if !d.Contains(s) {
			delete(out.StepData, s)
		}
	}
	if !d.Contains(out.CurrentStep) {
		out.CurrentStep = d.First()
	}
	out.Progress = min(max(out.Progress, 0), 100)
	return out
}

// MissingFields returns the required fields of step that
// payload lacks, in catalog order. Null values, blank strings
// and empty lists count as missing.
func (d *Definition) MissingFields(step Step, payload Payload) []string {
	def, ok := d.Lookup(step)
	if !ok {
		return nil
	}
	var missing []string
	for _, f := range def.RequiredFields {
		if blank(payload[f]) {
			missing = append(missing, f)
		}
	}
	return missing
}

func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// CanNavigateTo reports whether the user may open target:
// it is either already completed or the current step.
func CanNavigateTo(target Step, rec Record) bool {
	return rec.CompletedSteps.Has(target) ||
		target == rec.CurrentStep
}
