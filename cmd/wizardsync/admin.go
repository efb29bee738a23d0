package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/wesm/wizardsync/internal/config"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/wizard"
)

// The admin commands work on the local authority database
// directly, so they need no running server.

func openAuthority(fs *flag.FlagSet) (config.Config, *db.DB, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, nil, fmt.Errorf("loading config: %w", err)
	}
	database, err := db.Open(cfg.ServerDBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, database, nil
}

func runAddUser(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	email := fs.String("email", "", "Email address of the new user")
	unverified := fs.Bool("unverified", false,
		"Create the user with an unverified email")
	save := fs.Bool("save", false,
		"Store the new token in the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("-email is required")
	}

	cfg, database, err := openAuthority(fs)
	if err != nil {
		return err
	}
	defer database.Close()

	u, err := database.CreateUser(context.Background(), *email, !*unverified)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created user %s (%s)\n", u.Email, u.ID)
	fmt.Fprintf(out, "Token: %s\n", u.Token)

	if *save {
		if err := cfg.SaveToken(u.Token); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		fmt.Fprintln(out, "Token saved to config.")
	}
	return nil
}

func runReset(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	userID := fs.String("user", "", "ID of the user to reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}

	_, database, err := openAuthority(fs)
	if err != nil {
		return err
	}
	defer database.Close()

	rec, err := database.ResetProgress(
		context.Background(), *userID, wizard.Default(),
	)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Reset %s to %s (version %d)\n",
		rec.User.Email, rec.CurrentStep, rec.Version)
	return nil
}
