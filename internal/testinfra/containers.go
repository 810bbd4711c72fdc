// Package testinfra starts disposable PostgreSQL servers for integration tests.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	DefaultImage = "postgres:17-alpine"
	SuperUser    = "postgres"
	Password     = "postgres"
	Database     = "postgres"

	// ImageEnvVar overrides DefaultImage, e.g. to test against an older major version.
	ImageEnvVar = "PGGUARD_TEST_IMAGE"
)

// Server is a running PostgreSQL container and its superuser connection string.
type Server struct {
	*postgres.PostgresContainer
	ConnString string
}

// Option customizes the container before it starts.
type Option func(*settings)

type settings struct {
	image    string
	settings map[string]string
}

// WithImage selects the container image.
func WithImage(image string) Option {
	return func(s *settings) { s.image = image }
}

// WithServerSetting passes "-c name=value" to the postgres server.
func WithServerSetting(name, value string) Option {
	return func(s *settings) { s.settings[name] = value }
}

// StartPostgres starts a PostgreSQL container without TLS and waits until it
// accepts connections.
func StartPostgres(ctx context.Context, opts ...Option) (*Server, error) {
	s := &settings{image: DefaultImage, settings: map[string]string{}}
	if img := os.Getenv(ImageEnvVar); img != "" {
		s.image = img
	}
	for _, opt := range opts {
		opt(s)
	}

	customizers := []testcontainers.ContainerCustomizer{
		postgres.WithUsername(SuperUser),
		postgres.WithPassword(Password),
		postgres.WithDatabase(Database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		),
	}
	if len(s.settings) > 0 {
		cmd := []string{"postgres"}
		for k, v := range s.settings {
			cmd = append(cmd, "-c", k+"="+v)
		}
		customizers = append(customizers, testcontainers.WithCmd(cmd...))
	}

	ctr, err := postgres.Run(ctx, s.image, customizers...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", s.image, err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return nil, fmt.Errorf("container connection string: %w", err)
	}

	return &Server{PostgresContainer: ctr, ConnString: connStr}, nil
}
