package sync

import (
	"context"
	"errors"
	"log"
	gosync "sync"

	"github.com/wesm/wizardsync/internal/remote"
	"github.com/wesm/wizardsync/internal/wizard"
)

// Authority is the remote source of truth for progress.
// *remote.Client implements it.
type Authority interface {
	FetchProgress(ctx context.Context) (wizard.Record, error)
	CompleteStep(
		ctx context.Context, step wizard.Step, payload wizard.Payload,
	) (remote.StepResult, error)
}

// hooks let the engine track loading, saving and surfaced
// errors without the components knowing about State.
type hooks struct {
	loading func(delta int)
	saving  func(delta int)
	failed  func(err error)
}

func (h hooks) addLoading(d int) {
	if h.loading != nil {
		h.loading(d)
	}
}

func (h hooks) addSaving(d int) {
	if h.saving != nil {
		h.saving(d)
	}
}

func (h hooks) fail(err error) {
	if h.failed != nil {
		h.failed(err)
	}
}

// Coordinator reconciles the cache with the authority.
type Coordinator struct {
	l         *ledger
	authority Authority
	hooks     hooks
	wg        gosync.WaitGroup // background revalidations
}

// Reconcile returns the progress record to show. A cache entry
// within its TTL is returned at once and revalidated in the
// background. Otherwise the authority is asked first; if that
// fails, any cached record is returned without error, and the
// fetch error is returned only when nothing is cached.
func (c *Coordinator) Reconcile(
	ctx context.Context,
) (wizard.Record, error) {
	if c.l.store.IsValid() {
		entry := c.l.read()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			// Detached: the response is still worth caching
			// after the caller has gone away.
			bg := context.WithoutCancel(ctx)
			if _, err := c.fetchAndMerge(bg); err != nil {
				log.Printf("sync: background revalidation: %v", err)
			}
		}()
		return entry.Record, nil
	}

	c.hooks.addLoading(1)
	defer c.hooks.addLoading(-1)

	rec, err := c.fetchAndMerge(ctx)
	if err == nil {
		c.hooks.fail(nil)
		return rec, nil
	}

	// Re-read: a save may have landed while the fetch was out.
	if entry := c.l.read(); !entry.Empty() {
		log.Printf("sync: serving cached progress: %v", err)
		return entry.Record, nil
	}
	c.hooks.fail(err)
	return wizard.Record{}, err
}

// Wait blocks until background revalidations have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) fetchAndMerge(
	ctx context.Context,
) (wizard.Record, error) {
	rec, err := c.authority.FetchProgress(ctx)
	if err != nil {
		return wizard.Record{}, err
	}
	merged, err := c.l.merge(rec)
	if errors.Is(err, ErrStaleAuthority) {
		return merged, nil
	}
	return merged, err
}
