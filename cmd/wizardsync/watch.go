package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wesm/wizardsync/internal/sync"
	"github.com/wesm/wizardsync/internal/wizard"
)

const watcherDebounce = 200 * time.Millisecond

func runWatch(args []string, out io.Writer) error {
	cfg, _, err := loadClientConfig("watch", args)
	if err != nil {
		return err
	}
	setupLogFile(cfg.DataDir)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return watchSession(ctx, s, out)
}

// watchSession prints every state change until ctx is done.
// Writes to the cache by other processes are picked up through
// the file watcher, and the authority is revalidated once per
// cache TTL.
func watchSession(ctx context.Context, s *session, out io.Writer) error {
	stopWatcher := startCacheWatcher(s.cfg.CachePath, s.engine)
	defer stopWatcher()

	states := s.engine.Subscribe(ctx)
	if _, err := s.engine.Reconcile(ctx); err != nil {
		log.Printf("reconcile: %v", err)
	}

	ticker := time.NewTicker(s.cfg.CacheTTL)
	defer ticker.Stop()

	var last *sync.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if last != nil && sameProgress(*last, st) {
				continue
			}
			last = &st
			fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))
			printState(out, wizard.Default(), st)
		case <-ticker.C:
			if _, err := s.engine.Reconcile(ctx); err != nil {
				log.Printf("reconcile: %v", err)
			}
		}
	}
}

// sameProgress ignores the loading and saving flags, which
// flip on every round trip.
func sameProgress(a, b sync.State) bool {
	return a.Record().Equal(b.Record()) && errText(a.Error) == errText(b.Error)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func startCacheWatcher(path string, e *sync.Engine) func() {
	w, err := sync.NewWatcher(watcherDebounce, sync.MatchDatabase(path),
		func([]string) { e.Refresh() })
	if err != nil {
		log.Printf("warning: file watcher unavailable: %v", err)
		return func() {}
	}
	w.Start()
	if err := w.Watch(filepath.Dir(path)); err != nil {
		log.Printf("warning: %v", err)
	}
	return w.Stop
}
