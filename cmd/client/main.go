// Command client signs in to the back-office API from a terminal, prints the
// caller's profile and signs out again unless -keep is given.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
	"github.com/iliyamo/backoffice-auth/internal/client"
	"github.com/iliyamo/backoffice-auth/internal/config"
	"github.com/iliyamo/backoffice-auth/internal/logging"
	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
)

func main() {
	email := flag.String("email", "", "account email (prompted when empty)")
	keep := flag.Bool("keep", false, "keep the session after printing the profile")
	path := flag.String("get", "/v1/me", "protected path to fetch")
	flag.Parse()

	_ = config.LoadDotEnv(".env")
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *email, *path, *keep); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, email, path string, keep bool) error {
	log := logging.New(os.Stderr, os.Getenv("APP_ENV"))

	var storage client.Storage = client.NewMemoryStorage()
	if cfg.StorageDSN != "" {
		s, err := client.OpenSQLiteStorage(ctx, cfg.StorageDSN)
		if err != nil {
			return err
		}
		defer s.Close()
		storage = s
	}

	limiter := ratelimit.New(client.NewStorageCounterStore(storage, nil), ratelimit.Config{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
		Prefix:      "login_attempts",
	})
	m, err := client.NewManager(client.Options{
		Primary:  client.NewAPI(cfg.BaseURL, cfg.Timeout),
		Fallback: client.NewAPI(cfg.FallbackURL, cfg.Timeout),
		Storage:  storage,
		Limiter:  limiter,
		Scope:    cfg.Scope,
		Keys: client.Keys{
			Profile:      cfg.ProfileKey,
			AccessToken:  cfg.AccessTokenKey,
			RefreshToken: cfg.RefreshTokenKey,
		},
		InactivityTimeout: cfg.InactivityTimeout,
		HeartbeatInterval: cfg.Heartbeat,
		Retries:           cfg.Retries,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	go func() { _ = m.Run(ctx) }()

	restored, err := m.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		if err := signIn(ctx, m, email); err != nil {
			return err
		}
	}

	var out json.RawMessage
	if err := m.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Println(string(out))

	if !keep {
		m.Logout(ctx)
	}
	return nil
}

func signIn(ctx context.Context, m *client.Manager, email string) error {
	in := bufio.NewReader(os.Stdin)
	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return err
		}
		email = strings.TrimSpace(line)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	vi, err := m.Login(ctx, email, string(pw))
	if err != nil {
		return err
	}
	if vi.Department != "" {
		fmt.Fprintf(os.Stderr, "Verified (%s). Completing sign-in...\n", vi.Department)
	}
	s, err := m.CompleteLogin(ctx, vi.UserID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Signed in as %s (%s)\n", s.User.Email, s.User.Role)
	return nil
}

// describe renders an error the way the login form words it.
func describe(err error) string {
	e := autherr.As(err)
	switch e.Kind {
	case autherr.KindRateLimited:
		if m := e.RetryAfterMinutes(); m > 0 {
			return fmt.Sprintf("Too many attempts. Try again in %d minute(s).", m)
		}
		return "Too many attempts. Try again later."
	case autherr.KindNetwork:
		return "Cannot reach the server. Check your connection."
	case autherr.KindTimeout:
		return "The server took too long to answer."
	case autherr.KindServiceUnavailable:
		return "The service is temporarily unavailable."
	case autherr.KindInvalidCredentials:
		return "Invalid email or password."
	case autherr.KindAccessDenied:
		return "Access denied."
	}
	return e.PublicMessage()
}
