package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/bunker/internal/cache"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind        string
	dataDir     string
	ephemeral   bool
	origins     []string
	port        int
	redisAddr   string
	redisDB     int
	redisQueue  string
	signingKey  string
	tokenExpiry time.Duration
	verbose     bool
	version     bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if !c.ephemeral && c.dataDir == "" {
		return errors.New("--data-dir is required unless --ephemeral is set")
	}
	if c.redisAddr != "" && c.redisQueue == "" {
		return errors.New("--redis-queue must not be empty when --redis-addr is set")
	}
	if c.tokenExpiry < 0 {
		return fmt.Errorf("invalid token expiry: %s", c.tokenExpiry)
	}
	return nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BUNKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "bunker-server",
		Short:         "Lobby and session server for the Bunker party game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BUNKER_BIND)")
	fs.StringVarP(&cfg.dataDir, "data-dir", "d", "data", "directory holding lobby records (env: BUNKER_DATA_DIR)")
	fs.BoolVar(&cfg.ephemeral, "ephemeral", false, "keep lobbies in memory only (env: BUNKER_EPHEMERAL)")
	fs.StringSliceVar(&cfg.origins, "origins", []string{"*"}, "allowed websocket/CORS origin patterns (env: BUNKER_ORIGINS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BUNKER_PORT)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "redis address for the lobby event journal, disabled if empty (env: BUNKER_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: BUNKER_REDIS_DB)")
	fs.StringVar(&cfg.redisQueue, "redis-queue", cache.DefaultQueueName, "redis list the journal pushes to (env: BUNKER_REDIS_QUEUE)")
	fs.StringVar(&cfg.signingKey, "signing-key", "", "path to an ed25519 private key for session tokens, random per run if empty (env: BUNKER_SIGNING_KEY)")
	fs.DurationVar(&cfg.tokenExpiry, "token-expiry", 24*time.Hour, "session token lifetime, 0 for no expiry (env: BUNKER_TOKEN_EXPIRY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: BUNKER_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: BUNKER_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("bunker-server v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
