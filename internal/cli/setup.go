package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vvka-141/pgguard/internal/breaker"
	"github.com/vvka-141/pgguard/internal/config"
	"github.com/vvka-141/pgguard/internal/db"
	"github.com/vvka-141/pgguard/internal/db/manager"
	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// settings is everything a command needs to build a manager, resolved once
// from flags, .env, pgguard.yaml and the environment.
type settings struct {
	project *config.ProjectConfig
	pool    pgguard.PoolConfig
	policy  pgguard.RetryPolicy
	breaker breaker.Config
	slow    time.Duration
	tx      pgguard.TxOptions
	logger  *logging.ZapLogger
}

// loadProjectConfig loads .env and the project configuration.
// A missing default pgguard.yaml is not an error; a missing explicit --config is.
func loadProjectConfig(path string) (*config.ProjectConfig, error) {
	_ = godotenv.Load()

	if path == "" {
		cfg, err := config.Load(".")
		if errors.Is(err, config.ErrConfigNotFound) {
			return &config.ProjectConfig{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", config.ConfigFileName, err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadFile(path)
	if errors.Is(err, config.ErrConfigNotFound) {
		return nil, fmt.Errorf("%s: %w: %w", path, pgguard.ErrInvalidConfig, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the CLI logger. --verbose forces debug level.
func newLogger(verbose bool, cfg *config.ProjectConfig) *logging.ZapLogger {
	if cfg.Logging.Format == "json" {
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.NewJSONLogger(level)
	}
	return logging.NewConsoleLogger(verbose || cfg.Logging.Level == "debug")
}

func loadSettings(cmd *cobra.Command) (*settings, error) {
	project, err := loadProjectConfig(getStringFlag(cmd, "config"))
	if err != nil {
		return nil, err
	}

	env := db.LoadFromEnvironment()
	connStr, err := db.ResolveConnectionString(getStringFlag(cmd, "connection"), project.Database.ConnectionString, env)
	if err != nil {
		return nil, err
	}

	var errs []error
	s := &settings{project: project}

	s.pool, err = project.ToPoolConfig(connStr)
	errs = append(errs, err)
	db.ApplyCloudAuth(&s.pool, env)

	s.policy, err = project.RetryPolicy()
	errs = append(errs, err)
	s.breaker, err = project.BreakerConfig()
	errs = append(errs, err)
	s.slow, err = project.SlowThreshold()
	errs = append(errs, err)
	s.tx, err = project.TxOptions()
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s.logger = newLogger(getVerboseFlag(cmd), project)
	return s, nil
}

func (s *settings) newManager(extra ...manager.Option) *manager.Manager {
	opts := []manager.Option{
		manager.WithLogger(s.logger.Named("pgguard")),
		manager.WithRetryPolicy(s.policy),
		manager.WithBreakerConfig(s.breaker),
		manager.WithSlowThreshold(s.slow),
	}
	return manager.New(s.pool, append(opts, extra...)...)
}

// openManager builds and initializes a manager. An unconfigured target is
// reported as pgguard.ErrNotInitialized since every command needs a database.
func (s *settings) openManager(cmd *cobra.Command, extra ...manager.Option) (*manager.Manager, error) {
	if !s.pool.Configured() {
		return nil, fmt.Errorf("no connection target: use --connection, %s or $PGGUARD_CONNECTION_STRING: %w",
			config.ConfigFileName, pgguard.ErrNotInitialized)
	}
	mgr := s.newManager(extra...)
	if err := mgr.Initialize(cmd.Context()); err != nil {
		mgr.Close()
		return nil, err
	}
	return mgr, nil
}
