package sync

import (
	"context"
	"log"
	gosync "sync"
	"time"

	"github.com/wesm/wizardsync/internal/cache"
	"github.com/wesm/wizardsync/internal/wizard"
)

// Engine ties the cache, the coordinator and the saver together
// and exposes the observable progress state.
type Engine struct {
	def   *wizard.Definition
	l     *ledger
	coord *Coordinator
	saver *Saver

	mu      gosync.Mutex
	rec     wizard.Record
	loading int
	saving  int
	err     error
	subs    map[chan State]struct{}
	closed  bool
	done    chan struct{} // closed by Close
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	debounce time.Duration
}

// WithDebounce sets the quiet period of SaveDebounced.
func WithDebounce(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// NewEngine creates an engine over store, which it owns for
// writing from now on. The initial state is whatever the store
// holds.
func NewEngine(
	def *wizard.Definition,
	store cache.Store,
	authority Authority,
	opts ...EngineOption,
) *Engine {
	o := engineOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		def:  def,
		subs: make(map[chan State]struct{}),
		done: make(chan struct{}),
	}
	e.l = &ledger{def: def, store: store, changed: e.storeChanged}
	h := hooks{
		loading: e.addLoading,
		saving:  e.addSaving,
		failed:  e.setError,
	}
	e.coord = &Coordinator{l: e.l, authority: authority, hooks: h}
	e.saver = newSaver(e.l, authority, h, o.debounce)
	e.rec = e.l.read().Record
	return e
}

// State returns a snapshot of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Subscribe returns a channel that receives the current state
// and then every change until ctx is done or the engine is
// closed. A slow reader only misses intermediate states: the
// channel always holds the latest one.
func (e *Engine) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch
	}
	e.subs[ch] = struct{}{}
	ch <- e.stateLocked()
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Reconcile loads progress from the cache and the authority.
// See Coordinator.Reconcile.
func (e *Engine) Reconcile(ctx context.Context) (State, error) {
	if _, err := e.coord.Reconcile(ctx); err != nil {
		return e.State(), err
	}
	return e.State(), nil
}

// SaveDebounced schedules a save of payload for step.
func (e *Engine) SaveDebounced(
	step wizard.Step, payload wizard.Payload,
) (SaveResult, error) {
	return e.saver.SaveDebounced(step, payload)
}

// SaveImmediate saves payload for step now.
func (e *Engine) SaveImmediate(
	ctx context.Context, step wizard.Step, payload wizard.Payload,
) (SaveResult, error) {
	return e.saver.SaveImmediate(ctx, step, payload)
}

// Flush dispatches pending debounced saves.
func (e *Engine) Flush(ctx context.Context) error {
	return e.saver.Flush(ctx)
}

// CanNavigateTo reports whether step may be opened given the
// current state.
func (e *Engine) CanNavigateTo(step wizard.Step) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return wizard.CanNavigateTo(step, e.rec)
}

// Refresh re-reads the store and publishes when the record
// differs from the one last seen. It picks up writes made by
// other processes sharing the cache.
func (e *Engine) Refresh() {
	e.reload(false)
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.coord.Wait()
}

// Close drops pending debounced saves, waits for background
// work and closes every subscription.
func (e *Engine) Close() {
	e.saver.Close()
	e.coord.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.done)
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}

func (e *Engine) storeChanged() {
	e.reload(true)
}

// reload reads the store under mu, so the last reload to run
// publishes what the store holds at that moment and an older
// read can never overwrite a newer one.
func (e *Engine) reload(force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.l.read().Record
	if !force && rec.Equal(e.rec) {
		return
	}
	e.rec = rec
	e.publishLocked()
}

func (e *Engine) addLoading(d int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading += d
	e.publishLocked()
}

func (e *Engine) addSaving(d int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saving += d
	e.publishLocked()
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil && e.err == nil {
		return
	}
	if err != nil {
		log.Printf("sync: %v", err)
	}
	e.err = err
	e.publishLocked()
}

func (e *Engine) stateLocked() State {
	return newState(e.rec, e.loading > 0, e.saving > 0, e.err)
}

// publishLocked replaces whatever a subscriber has not yet
// read with the latest state. Only publishLocked sends, and
// always under mu, so the drain cannot race another send.
func (e *Engine) publishLocked() {
	if e.closed {
		return
	}
	st := e.stateLocked()
	for ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
