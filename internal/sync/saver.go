package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/wesm/wizardsync/internal/wizard"
)

// DefaultDebounce is the quiet period before a debounced save
// is dispatched.
const DefaultDebounce = 300 * time.Millisecond

var (
	// ErrUnknownStep rejects saves for steps outside the catalog.
	ErrUnknownStep = errors.New("unknown step")
	// ErrClosed is returned by saves after Close.
	ErrClosed = errors.New("saver closed")
)

// SaveResult describes the outcome of a save request.
type SaveResult struct {
	// Skipped is set when the payload equals the last saved
	// payload for the step, or for SaveImmediate the payload
	// already in flight.
	Skipped bool
	// Pending is set when a debounced dispatch was scheduled.
	Pending bool
	// Record is the merged record after a confirmed save.
	Record   wizard.Record
	NextStep wizard.Step
}

// pendingSave is an armed debounce timer for one step.
type pendingSave struct {
	timer   *time.Timer
	seq     uint64
	payload wizard.Payload
}

// Saver persists step completions with a debounced and an
// immediate path. Both go through save, which deduplicates
// against the last confirmed payload per step.
//
// Dispatch is a two-phase commit. Phase one writes the
// provisional delta to the cache. Phase two asks the authority;
// on success its record supersedes the delta through Merge. On
// failure the delta is left in place on purpose: the step keeps
// its "attempted" marker while the user corrects and retries.
// In-flight requests are never cancelled by later ones.
type Saver struct {
	l         *ledger
	authority Authority
	hooks     hooks
	debounce  time.Duration

	mu        gosync.Mutex
	lastSaved map[wizard.Step]wizard.Payload
	inflight  map[wizard.Step]wizard.Payload
	pending   map[wizard.Step]*pendingSave
	seq       uint64
	closed    bool
	wg        gosync.WaitGroup // armed timers and their dispatches
}

func newSaver(
	l *ledger, authority Authority, h hooks, debounce time.Duration,
) *Saver {
	return &Saver{
		l:         l,
		authority: authority,
		hooks:     h,
		debounce:  debounce,
		lastSaved: make(map[wizard.Step]wizard.Payload),
		inflight:  make(map[wizard.Step]wizard.Payload),
		pending:   make(map[wizard.Step]*pendingSave),
	}
}

// SaveDebounced schedules a save of payload for step after the
// debounce period, replacing any pending one for the same step.
// It only skips payloads the authority has confirmed: a payload
// equal to one still in flight is scheduled again, so it is not
// lost if that request fails. Dispatch errors are reported
// through the engine state.
func (s *Saver) SaveDebounced(
	step wizard.Step, payload wizard.Payload,
) (SaveResult, error) {
	return s.save(context.Background(), step, payload, s.debounce)
}

// SaveImmediate cancels any pending debounced save for step and
// dispatches payload now, unless it is unchanged.
func (s *Saver) SaveImmediate(
	ctx context.Context, step wizard.Step, payload wizard.Payload,
) (SaveResult, error) {
	return s.save(ctx, step, payload, 0)
}

func (s *Saver) save(
	ctx context.Context, step wizard.Step,
	payload wizard.Payload, delay time.Duration,
) (SaveResult, error) {
	if !s.l.def.Contains(step) {
		return SaveResult{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	p, err := wizard.NormalizePayload(payload)
	if err != nil {
		return SaveResult{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SaveResult{}, ErrClosed
	}
	// The pending timer is cancelled before the unchanged check:
	// a debounced save equal to the last saved payload drops an
	// earlier pending one instead of letting it fire. The newest
	// request for a step wins even when it is a no-op.
	s.cancelPendingLocked(step)
	if s.unchangedLocked(step, p, delay == 0) {
		s.mu.Unlock()
		return SaveResult{Skipped: true, Record: s.l.read().Record}, nil
	}

	if delay > 0 {
		s.seq++
		ps := &pendingSave{seq: s.seq, payload: p}
		s.wg.Add(1)
		ps.timer = time.AfterFunc(delay, func() {
			s.fire(step, ps.seq)
		})
		s.pending[step] = ps
		s.mu.Unlock()
		return SaveResult{Pending: true}, nil
	}

	s.inflight[step] = p
	s.mu.Unlock()
	return s.dispatch(ctx, step, p)
}

// fire runs when a debounce timer expires. It re-checks that
// the timer is still current and that the payload still differs,
// since an immediate save may have beaten it.
func (s *Saver) fire(step wizard.Step, seq uint64) {
	defer s.wg.Done()

	s.mu.Lock()
	ps, ok := s.pending[step]
	if !ok || ps.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.pending, step)
	if s.unchangedLocked(step, ps.payload, false) {
		s.mu.Unlock()
		return
	}
	s.inflight[step] = ps.payload
	s.mu.Unlock()

	if _, err := s.dispatch(
		context.Background(), step, ps.payload,
	); err != nil {
		log.Printf("sync: debounced save of %s failed: %v", step, err)
	}
}

// Flush dispatches every pending debounced save now and
// returns the first error.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	var due []*pendingSave
	var steps []wizard.Step
	for step, ps := range s.pending {
		if ps.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, step)
		if s.unchangedLocked(step, ps.payload, false) {
			continue
		}
		s.inflight[step] = ps.payload
		due = append(due, ps)
		steps = append(steps, step)
	}
	s.mu.Unlock()

	var first error
	for i, ps := range due {
		if _, err := s.dispatch(ctx, steps[i], ps.payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close drops pending debounced saves and waits for debounced
// dispatches already under way.
func (s *Saver) Close() {
	s.mu.Lock()
	s.closed = true
	for step := range s.pending {
		s.cancelPendingLocked(step)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Saver) cancelPendingLocked(step wizard.Step) {
	ps, ok := s.pending[step]
	if !ok {
		return
	}
	delete(s.pending, step)
	// A timer that already fired finds itself gone from
	// pending and releases the wait group on its own.
	if ps.timer.Stop() {
		s.wg.Done()
	}
}

// unchangedLocked reports whether p equals the last confirmed
// payload for step, or with inflight set the one being sent.
func (s *Saver) unchangedLocked(
	step wizard.Step, p wizard.Payload, inflight bool,
) bool {
	if last, ok := s.lastSaved[step]; ok && wizard.PayloadEqual(last, p) {
		return true
	}
	if !inflight {
		return false
	}
	cur, ok := s.inflight[step]
	return ok && wizard.PayloadEqual(cur, p)
}

func (s *Saver) dispatch(
	ctx context.Context, step wizard.Step, p wizard.Payload,
) (SaveResult, error) {
	s.hooks.addSaving(1)
	defer s.hooks.addSaving(-1)
	defer func() {
		s.mu.Lock()
		if cur, ok := s.inflight[step]; ok && wizard.PayloadEqual(cur, p) {
			delete(s.inflight, step)
		}
		s.mu.Unlock()
	}()

	if _, err := s.l.optimistic(step, p); err != nil {
		log.Printf("cache: optimistic write for %s: %v", step, err)
	}

	res, err := s.authority.CompleteStep(ctx, step, p)
	if err != nil {
		// The provisional delta stays and lastSaved is not
		// advanced, so an identical retry is dispatched again.
		s.hooks.fail(err)
		return SaveResult{}, err
	}

	s.mu.Lock()
	s.lastSaved[step] = p.Clone()
	s.mu.Unlock()

	merged, err := s.l.merge(res.State)
	if err != nil && !errors.Is(err, ErrStaleAuthority) {
		return SaveResult{}, err
	}
	s.hooks.fail(nil)
	return SaveResult{Record: merged, NextStep: res.NextStep}, nil
}
