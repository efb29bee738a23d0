package sync

import "github.com/wesm/wizardsync/internal/wizard"

// State is the observable progress state handed to UIs.
type State struct {
	CurrentStep    wizard.Step                    `json:"currentStep"`
	CompletedSteps wizard.StepSet                 `json:"completedSteps"`
	Progress       int                            `json:"progress"`
	StepData       map[wizard.Step]wizard.Payload `json:"stepData,omitempty"`
	User           wizard.User                    `json:"user"`
	IsLoading      bool                           `json:"isLoading"`
	IsSaving       bool                           `json:"isSaving"`
	Error          error                          `json:"-"`
}

func newState(
	rec wizard.Record, loading, saving bool, err error,
) State {
	rec = rec.Clone()
	return State{
		CurrentStep:    rec.CurrentStep,
		CompletedSteps: rec.CompletedSteps,
		Progress:       rec.Progress,
		StepData:       rec.StepData,
		User:           rec.User,
		IsLoading:      loading,
		IsSaving:       saving,
		Error:          err,
	}
}

// Record returns the progress fields of s as a record.
func (s State) Record() wizard.Record {
	return wizard.Record{
		CurrentStep:    s.CurrentStep,
		CompletedSteps: s.CompletedSteps,
		Progress:       s.Progress,
		StepData:       s.StepData,
		User:           s.User,
	}.Clone()
}
