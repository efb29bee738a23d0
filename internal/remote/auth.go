package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// TokenSource yields the bearer token for the current session.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// CommandToken returns a TokenSource that runs cmdline and
// uses its trimmed stdout as the token, in the manner of a
// credential helper. The command runs on every call so that
// rotated credentials are picked up.
func CommandToken(cmdline string) (TokenSource, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parsing auth command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("auth command is empty")
	}
	return func(ctx context.Context) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return "", fmt.Errorf("auth command: %w: %s", err, msg)
			}
			return "", fmt.Errorf("auth command: %w", err)
		}
		token := strings.TrimSpace(stdout.String())
		if token == "" {
			return "", errors.New("auth command printed no token")
		}
		return token, nil
	}, nil
}
