package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PGGUARD_CONNECTION_STRING", "postgresql://guard@host/app")
	t.Setenv("PGHOST", "testhost")
	t.Setenv("PGPORT", "5433")
	t.Setenv("PGSSLMODE", "require")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AZURE_CLIENT_ID", "client")

	env := LoadFromEnvironment()

	assert.Equal(t, "postgresql://guard@host/app", env.PGGUARD_CONNECTION_STRING)
	assert.Equal(t, "testhost", env.PGHOST)
	assert.Equal(t, "5433", env.PGPORT)
	assert.Equal(t, "require", env.PGSSLMODE)
	assert.Equal(t, "eu-west-1", env.AWS_REGION)
	assert.Equal(t, "client", env.AZURE_CLIENT_ID)
}

func TestResolveConnectionString_Precedence(t *testing.T) {
	env := &EnvVars{
		PGGUARD_CONNECTION_STRING: "postgresql://env@h/envdb",
		DATABASE_URL:              "postgresql://url@h/urldb",
		PGHOST:                    "pghost",
	}

	tests := []struct {
		name     string
		flag     string
		fromFile string
		env      *EnvVars
		want     string
	}{
		{"flag wins", "postgresql://flag@h/flagdb", "postgresql://file@h/filedb", env, "postgresql://flag@h/flagdb"},
		{"pgguard env before file", "", "postgresql://file@h/filedb", env, "postgresql://env@h/envdb"},
		{"file before DATABASE_URL", "", "postgresql://file@h/filedb", &EnvVars{DATABASE_URL: env.DATABASE_URL}, "postgresql://file@h/filedb"},
		{"DATABASE_URL", "", "", &EnvVars{DATABASE_URL: env.DATABASE_URL, PGHOST: "x"}, "postgresql://url@h/urldb"},
		{"nothing configured", "", "", &EnvVars{}, ""},
		{"nil env", "", "", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveConnectionString(tt.flag, tt.fromFile, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConnectionString_Granular(t *testing.T) {
	env := &EnvVars{
		PGHOST:     "db.internal",
		PGPORT:     "6543",
		PGUSER:     "app",
		PGPASSWORD: "secret",
		PGDATABASE: "orders",
		PGSSLMODE:  "require",
	}

	got, err := ResolveConnectionString("", "", env)
	require.NoError(t, err)

	cfg, err := ParseConnectionString(got)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "app", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "orders", cfg.Database)
	assert.Equal(t, "require", cfg.SSLMode)
}

func TestResolveConnectionString_SSLModeFallback(t *testing.T) {
	got, err := ResolveConnectionString("postgresql://u@h/db", "", &EnvVars{PGSSLMODE: "verify-full"})
	require.NoError(t, err)

	cfg, err := ParseConnectionString(got)
	require.NoError(t, err)
	assert.Equal(t, "verify-full", cfg.SSLMode)

	explicit, err := ResolveConnectionString("postgresql://u@h/db?sslmode=disable", "", &EnvVars{PGSSLMODE: "verify-full"})
	require.NoError(t, err)
	assert.Equal(t, "postgresql://u@h/db?sslmode=disable", explicit)
}

func TestResolveConnectionString_Errors(t *testing.T) {
	_, err := ResolveConnectionString("", "", &EnvVars{PGPORT: "abc"})
	assert.ErrorIs(t, err, pgguard.ErrInvalidConfig)

	_, err = ResolveConnectionString("garbage", "", nil)
	assert.ErrorIs(t, err, pgguard.ErrInvalidConfig)
}

func TestApplyCloudAuth(t *testing.T) {
	t.Run("azure env switches standard auth", func(t *testing.T) {
		cfg := pgguard.DefaultPoolConfig()
		ApplyCloudAuth(&cfg, &EnvVars{AZURE_TENANT_ID: "tenant", AZURE_CLIENT_ID: "client", AZURE_CLIENT_SECRET: "s"})

		assert.Equal(t, pgguard.AuthMethodAzureEntraID, cfg.AuthMethod)
		assert.Equal(t, "tenant", cfg.AzureTenantID)
		assert.Equal(t, "s", cfg.AzureClientSecret)
	})

	t.Run("explicit values win", func(t *testing.T) {
		cfg := pgguard.DefaultPoolConfig()
		cfg.AuthMethod = pgguard.AuthMethodAWSIAM
		cfg.AWSRegion = "us-east-1"
		ApplyCloudAuth(&cfg, &EnvVars{AWS_REGION: "eu-west-1", AZURE_TENANT_ID: "t", AZURE_CLIENT_ID: "c"})

		assert.Equal(t, pgguard.AuthMethodAWSIAM, cfg.AuthMethod)
		assert.Equal(t, "us-east-1", cfg.AWSRegion)
	})

	t.Run("nil env", func(t *testing.T) {
		cfg := pgguard.DefaultPoolConfig()
		ApplyCloudAuth(&cfg, nil)
		assert.Equal(t, pgguard.AuthMethodStandard, cfg.AuthMethod)
	})
}
