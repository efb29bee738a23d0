package sync

import (
	"errors"
	"log"
	gosync "sync"

	"github.com/wesm/wizardsync/internal/cache"
	"github.com/wesm/wizardsync/internal/wizard"
)

// ledger owns every write to the cache store. Each
// read-modify-write runs under mu and reads the store at that
// moment, so a merge never works from a snapshot taken before
// a concurrent save landed.
type ledger struct {
	def     *wizard.Definition
	store   cache.Store
	mu      gosync.Mutex
	changed func()
}

// read returns the current entry. Unreadable or corrupt
// entries are treated as a cache miss.
func (l *ledger) read() cache.Entry {
	e, err := l.store.Read()
	if err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			log.Printf("cache: treating corrupt entry as miss: %v", err)
		} else {
			log.Printf("cache: read failed: %v", err)
		}
		return cache.Entry{}
	}
	return e
}

// merge folds a remote record into the cache. A stale remote
// leaves the cache, including its LastFetched, untouched.
func (l *ledger) merge(remote wizard.Record) (wizard.Record, error) {
	l.mu.Lock()
	local := l.read().Record
	merged, err := Merge(l.def, local, l.def.Sanitize(remote))
	if errors.Is(err, ErrStaleAuthority) {
		l.mu.Unlock()
		log.Printf(
			"sync: ignoring stale remote progress"+
				" (remote %d completed, v%d; cache %d completed, v%d)",
			len(remote.CompletedSteps), remote.Version,
			len(local.CompletedSteps), local.Version,
		)
		return merged, err
	}
	werr := l.store.Write(merged)
	l.mu.Unlock()

	if werr != nil {
		log.Printf("cache: write failed: %v", werr)
	}
	l.notify()
	return merged, nil
}

// optimistic applies the provisional delta of a pending save:
// step is marked completed, payload is recorded and progress
// recomputed without ever going down. LastFetched is kept.
func (l *ledger) optimistic(
	step wizard.Step, payload wizard.Payload,
) (wizard.Record, error) {
	l.mu.Lock()
	rec := l.def.Sanitize(l.read().Record)
	rec.CompletedSteps[step] = struct{}{}
	if rec.StepData == nil {
		rec.StepData = make(map[wizard.Step]wizard.Payload)
	}
	rec.StepData[step] = payload.Clone()
	rec.Progress = max(rec.Progress, l.def.Progress(rec.CompletedSteps))
	err := l.store.WriteOptimistic(rec)
	l.mu.Unlock()

	if err != nil {
		return rec, err
	}
	l.notify()
	return rec, nil
}

func (l *ledger) notify() {
	if l.changed != nil {
		l.changed()
	}
}
