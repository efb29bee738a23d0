package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/wesm/wizardsync/internal/cache"
	"github.com/wesm/wizardsync/internal/config"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/remote"
	"github.com/wesm/wizardsync/internal/sync"
	"github.com/wesm/wizardsync/internal/wizard"
)

func loadClientConfig(
	name string, args []string,
) (config.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: wizardsync %s [flags]\n\nFlags:\n", name)
		fs.PrintDefaults()
	}
	config.RegisterClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, nil, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, fs.Args(), nil
}

// tokenSource prefers an explicit token over the auth command.
func tokenSource(cfg config.Config) (remote.TokenSource, error) {
	if cfg.Token != "" {
		return remote.StaticToken(cfg.Token), nil
	}
	if cfg.AuthCommand != "" {
		return remote.CommandToken(cfg.AuthCommand)
	}
	return nil, errors.New(
		"no credentials: set -token, WIZARDSYNC_TOKEN or " +
			"WIZARDSYNC_AUTH_COMMAND",
	)
}

// session is one authenticated client against one authority,
// with its cache and sync engine.
type session struct {
	cfg    config.Config
	db     *db.DB
	client *remote.Client
	engine *sync.Engine
}

func openSession(ctx context.Context, cfg config.Config) (*session, error) {
	ts, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}
	// The cache is keyed by the token in effect now; a rotated
	// token starts a fresh cache entry.
	token, err := ts(ctx)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	client := remote.New(cfg.ServerURL,
		remote.WithTokenSource(ts),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		remote.WithUserAgent("wizardsync/"+version),
	)
	store := cache.NewSQLite(database,
		cache.SessionKey(client.BaseURL(), token),
		cache.WithTTL(cfg.CacheTTL),
	)
	e := sync.NewEngine(wizard.Default(), store, client,
		sync.WithDebounce(cfg.Debounce))
	return &session{
		cfg: cfg, db: database, client: client, engine: e,
	}, nil
}

func (s *session) Close() {
	s.engine.Close()
	s.db.Close()
}

// checkServer warns when the authority runs an incompatible
// release. An unreachable authority is not an error here.
func (s *session) checkServer(ctx context.Context) {
	v, err := s.client.Version(ctx)
	if err != nil {
		log.Printf("version check: %v", err)
		return
	}
	if err := remote.CheckCompatible(version, v.Version); err != nil {
		log.Printf("warning: %v", err)
	}
}

func runStatus(args []string, out io.Writer) error {
	cfg, _, err := loadClientConfig("status", args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	s.checkServer(ctx)
	if _, err := s.engine.Reconcile(ctx); err != nil {
		return err
	}
	// A fresh cache answers at once; let the revalidation land
	// before printing.
	s.engine.Wait()
	printState(out, wizard.Default(), s.engine.State())
	return nil
}

func runSave(args []string, out io.Writer) error {
	cfg, rest, err := loadClientConfig("save", args)
	if err != nil {
		return err
	}
	step, payload, err := parseSaveArgs(wizard.Default(), rest)
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.engine.Reconcile(ctx); err != nil {
		return err
	}
	if !s.engine.CanNavigateTo(step) {
		return fmt.Errorf("step %s is not reachable from %s",
			step, s.engine.State().CurrentStep)
	}
	res, err := s.engine.SaveImmediate(ctx, step, payload)
	if err != nil {
		var ve *remote.ValidationError
		if errors.As(err, &ve) {
			printValidation(out, ve)
		}
		return err
	}
	s.engine.Wait()

	switch {
	case res.Skipped:
		fmt.Fprintf(out, "%s unchanged, nothing to save\n", step)
	case res.NextStep != "":
		fmt.Fprintf(out, "Saved %s, next step: %s\n", step, res.NextStep)
	default:
		fmt.Fprintf(out, "Saved %s, wizard complete\n", step)
	}
	printState(out, wizard.Default(), s.engine.State())
	return nil
}

// parseSaveArgs reads STEP and an optional JSON object payload.
func parseSaveArgs(
	def *wizard.Definition, args []string,
) (wizard.Step, wizard.Payload, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", nil, errors.New("usage: wizardsync save STEP [JSON]")
	}
	step := wizard.Step(args[0])
	if !def.Contains(step) {
		return "", nil, fmt.Errorf("%w: %s", sync.ErrUnknownStep, step)
	}
	payload := wizard.Payload{}
	if len(args) == 2 {
		v, err := wizard.NormalizePayload(json.RawMessage(args[1]))
		if err != nil {
			return "", nil, fmt.Errorf("payload: %w", err)
		}
		payload = v
	}
	return step, payload, nil
}

func printValidation(w io.Writer, ve *remote.ValidationError) {
	fmt.Fprintf(w, "Rejected: %s\n", ve.Message)
	for _, f := range ve.Fields {
		fmt.Fprintf(w, "  %s: %s\n", f.Field, f.Message)
	}
}

func printState(w io.Writer, def *wizard.Definition, st sync.State) {
	fmt.Fprintf(w, "Progress: %d%%", st.Progress)
	if st.User.Email != "" {
		fmt.Fprintf(w, " (%s)", st.User.Email)
	}
	fmt.Fprintln(w)
	for _, sd := range def.Steps() {
		mark := " "
		switch {
		case st.CompletedSteps.Has(sd.ID):
			mark = "x"
		case sd.ID == st.CurrentStep:
			mark = ">"
		}
		opt := ""
		if !sd.Required {
			opt = " (optional)"
		}
		fmt.Fprintf(w, "  [%s] %s%s\n", mark, sd.Title, opt)
	}
	if st.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", strings.TrimSpace(st.Error.Error()))
	}
}
