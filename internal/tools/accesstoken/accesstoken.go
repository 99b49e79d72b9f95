// Package accesstoken mints short-lived access tokens for local development.
package accesstoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gradhall/gradhall/internal/services/messaging/auth"
	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

// Config holds configuration for access token generation.
type Config struct {
	Secret      string
	UserID      string
	DisplayName string
	TTL         time.Duration
}

// ParseConfig parses flags into a Config. The signing secret defaults to
// the same environment variable the messaging server reads.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		Secret: os.Getenv("GRADHALL_MESSAGING_JWT_SECRET"),
		TTL:    15 * time.Minute,
	}
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "HMAC signing secret")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "subject user id")
	fs.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "subject display name")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run signs a token for the configured subject and writes it to out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.UserID == "" {
		return errors.New("user id is required")
	}
	if cfg.TTL <= 0 {
		return errors.New("ttl must be greater than zero")
	}
	gate, err := auth.NewGate(cfg.Secret)
	if err != nil {
		return err
	}
	identity := domain.Identity{ID: cfg.UserID, DisplayName: cfg.DisplayName}
	token, err := gate.Issue(identity, uuid.NewString(), cfg.TTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
