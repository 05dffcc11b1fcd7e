// Package storetest provides a Postgres testcontainers-go helper for
// integration tests of the store package and anything built on top of
// it (delta, orchestrator steps). It mirrors the container-lifecycle
// pattern the teacher repo used for its CouchDB test helper, swapped to
// Postgres's own readiness log line.
package storetest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Cleanup terminates a container started for a test.
type Cleanup func()

// Config configures SetupPostgres.
type Config struct {
	Image          string
	User           string
	Password       string
	Database       string
	StartupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Image:          "postgres:16-alpine",
		User:           "hevysync",
		Password:       "hevysync",
		Database:       "hevysync",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a Postgres container and returns a ready DSN.
func SetupPostgres(ctx context.Context, config *Config) (string, Cleanup, error) {
	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     config.User,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port.Port(), config.User, config.Password, config.Database)

	cleanup := func() {
		_ = container.Terminate(ctx)
	}
	return dsn, cleanup, nil
}
