package sync

import (
	"errors"

	"github.com/wesm/wizardsync/internal/wizard"
)

// ErrStaleAuthority reports that a remote record was judged
// older than the local cache and discarded. It is internal and
// never surfaced in State.
var ErrStaleAuthority = errors.New("remote progress is stale")

// Stale reports whether remote should be discarded in favor of
// local. A remote record with no completed steps is stale when
// the cache has progress past the first step, which covers a
// replica that answers with a freshly initialized record. When
// both sides carry an authority version, a lower remote
// version is also stale.
func Stale(def *wizard.Definition, local, remote wizard.Record) bool {
	if len(remote.CompletedSteps) == 0 &&
		len(local.CompletedSteps) > 0 &&
		local.CurrentStep != def.First() {
		return true
	}
	return remote.Version > 0 && local.Version > 0 &&
		remote.Version < local.Version
}

// Merge reconciles the cached record with a remote one. It is
// the only merge path: reconciliation and confirmed saves both
// go through it.
//
// When remote is stale, local is returned unchanged together
// with ErrStaleAuthority. Otherwise current step, progress and
// version come from whichever side has at least as many
// completed steps (remote on ties), completed steps are the
// union, and step data is overlaid with local values winning,
// since the cache may hold edits newer than the last round
// trip. Progress never drops below what the merged set implies.
func Merge(
	def *wizard.Definition, local, remote wizard.Record,
) (wizard.Record, error) {
	if Stale(def, local, remote) {
		return local.Clone(), ErrStaleAuthority
	}

	base := local
	if len(remote.CompletedSteps) >= len(local.CompletedSteps) {
		base = remote
	}

	out := wizard.Record{
		CurrentStep:    base.CurrentStep,
		CompletedSteps: local.CompletedSteps.Union(remote.CompletedSteps),
		Progress:       base.Progress,
		User:           local.User,
		Version:        max(local.Version, remote.Version),
	}
	if remote.User.ID != "" {
		out.User = remote.User
	}
	if out.CurrentStep == "" {
		out.CurrentStep = def.First()
	}
	out.Progress = max(out.Progress, def.Progress(out.CompletedSteps))

	if len(local.StepData)+len(remote.StepData) > 0 {
		out.StepData = make(
			map[wizard.Step]wizard.Payload,
			len(local.StepData)+len(remote.StepData),
		)
		for k, v := range remote.StepData {
			out.StepData[k] = v.Clone()
		}
		for k, v := range local.StepData {
			out.StepData[k] = v.Clone()
		}
	}
	return out, nil
}
