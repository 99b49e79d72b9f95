// Package messaging parses messaging command flags and composes transport entrypoints.
package messaging

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/gradhall/gradhall/internal/platform/cmd"
	server "github.com/gradhall/gradhall/internal/services/messaging/app"
)

// Config holds messaging command configuration.
type Config struct {
	HTTPAddr            string `env:"GRADHALL_MESSAGING_HTTP_ADDR"      envDefault:":8086"`
	DBPath              string `env:"GRADHALL_MESSAGING_DB_PATH"        envDefault:"messaging.db"`
	NotificationsDBPath string `env:"GRADHALL_NOTIFICATIONS_DB_PATH"    envDefault:"notifications.db"`
	JWTSecret           string `env:"GRADHALL_MESSAGING_JWT_SECRET"`
	PresenceTTLSeconds  int    `env:"GRADHALL_PRESENCE_TTL_SECONDS"     envDefault:"60"`
	SweepSeconds        int    `env:"GRADHALL_PRESENCE_SWEEP_SECONDS"   envDefault:"15"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "messaging HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "messaging SQLite database path")
	fs.StringVar(&cfg.NotificationsDBPath, "notifications-db-path", cfg.NotificationsDBPath, "notifications SQLite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for access token verification")
	fs.IntVar(&cfg.PresenceTTLSeconds, "presence-ttl", cfg.PresenceTTLSeconds, "presence heartbeat TTL in seconds")
	fs.IntVar(&cfg.SweepSeconds, "presence-sweep", cfg.SweepSeconds, "presence sweep interval in seconds")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the messaging app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMessaging, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:            cfg.HTTPAddr,
			DBPath:              cfg.DBPath,
			NotificationsDBPath: cfg.NotificationsDBPath,
			JWTSecret:           cfg.JWTSecret,
			PresenceTTL:         time.Duration(cfg.PresenceTTLSeconds) * time.Second,
			SweepInterval:       time.Duration(cfg.SweepSeconds) * time.Second,
		}); err != nil {
			return fmt.Errorf("serve messaging: %w", err)
		}
		return nil
	})
}
