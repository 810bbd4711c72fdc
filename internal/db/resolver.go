package db

import (
	"fmt"
	"os"
	"strconv"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// EnvVars holds the environment variables consulted when resolving a target.
// See: https://www.postgresql.org/docs/current/libpq-envars.html
type EnvVars struct {
	PGGUARD_CONNECTION_STRING string
	DATABASE_URL              string // Heroku/Rails convention

	PGHOST     string
	PGPORT     string
	PGUSER     string
	PGPASSWORD string
	PGDATABASE string
	PGSSLMODE  string

	AWS_REGION string

	// Azure SDK standard names
	AZURE_TENANT_ID     string
	AZURE_CLIENT_ID     string
	AZURE_CLIENT_SECRET string
}

// LoadFromEnvironment reads EnvVars from the process environment.
func LoadFromEnvironment() *EnvVars {
	return &EnvVars{
		PGGUARD_CONNECTION_STRING: os.Getenv("PGGUARD_CONNECTION_STRING"),
		DATABASE_URL:              os.Getenv("DATABASE_URL"),
		PGHOST:                    os.Getenv("PGHOST"),
		PGPORT:                    os.Getenv("PGPORT"),
		PGUSER:                    os.Getenv("PGUSER"),
		PGPASSWORD:                os.Getenv("PGPASSWORD"),
		PGDATABASE:                os.Getenv("PGDATABASE"),
		PGSSLMODE:                 os.Getenv("PGSSLMODE"),
		AWS_REGION:                os.Getenv("AWS_REGION"),
		AZURE_TENANT_ID:           os.Getenv("AZURE_TENANT_ID"),
		AZURE_CLIENT_ID:           os.Getenv("AZURE_CLIENT_ID"),
		AZURE_CLIENT_SECRET:       os.Getenv("AZURE_CLIENT_SECRET"),
	}
}

// hasGranular reports whether any PG* variable names a target.
func (e *EnvVars) hasGranular() bool {
	return e.PGHOST != "" || e.PGDATABASE != "" || e.PGPORT != ""
}

// ResolveConnectionString picks the connection target using this precedence:
//
//  1. --connection flag
//  2. $PGGUARD_CONNECTION_STRING
//  3. database.connection_string from pgguard.yaml
//  4. $DATABASE_URL
//  5. PG* granular variables (PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE, PGSSLMODE)
//
// An empty result is not an error: the manager then runs unconfigured.
func ResolveConnectionString(flag, fromFile string, env *EnvVars) (string, error) {
	if env == nil {
		env = &EnvVars{}
	}

	for _, candidate := range []string{flag, env.PGGUARD_CONNECTION_STRING, fromFile, env.DATABASE_URL} {
		if candidate == "" {
			continue
		}
		cfg, err := ParseConnectionString(candidate)
		if err != nil {
			return "", fmt.Errorf("invalid connection string: %w", err)
		}
		if cfg.SSLMode == "" && env.PGSSLMODE != "" {
			cfg.SSLMode = env.PGSSLMODE
			return BuildConnectionString(cfg), nil
		}
		return candidate, nil
	}

	if !env.hasGranular() {
		return "", nil
	}

	cfg := newConnectionConfig()
	if env.PGHOST != "" {
		cfg.Host = env.PGHOST
	}
	if env.PGPORT != "" {
		port, err := strconv.Atoi(env.PGPORT)
		if err != nil {
			return "", fmt.Errorf("invalid $PGPORT value %q: must be an integer: %w", env.PGPORT, pgguard.ErrInvalidConfig)
		}
		cfg.Port = port
	}
	if env.PGDATABASE != "" {
		cfg.Database = env.PGDATABASE
	}
	cfg.Username = env.PGUSER
	cfg.Password = env.PGPASSWORD
	cfg.SSLMode = env.PGSSLMODE

	return BuildConnectionString(cfg), nil
}

// ApplyCloudAuth fills unset cloud IAM parameters from the environment.
// Azure credentials in the environment switch a standard configuration to
// Entra ID authentication.
func ApplyCloudAuth(cfg *pgguard.PoolConfig, env *EnvVars) {
	if env == nil {
		return
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = env.AWS_REGION
	}
	if cfg.AzureTenantID == "" {
		cfg.AzureTenantID = env.AZURE_TENANT_ID
	}
	if cfg.AzureClientID == "" {
		cfg.AzureClientID = env.AZURE_CLIENT_ID
	}
	if cfg.AzureClientSecret == "" {
		cfg.AzureClientSecret = env.AZURE_CLIENT_SECRET
	}

	if cfg.AuthMethod == pgguard.AuthMethodStandard && env.AZURE_TENANT_ID != "" && env.AZURE_CLIENT_ID != "" {
		cfg.AuthMethod = pgguard.AuthMethodAzureEntraID
	}
}
