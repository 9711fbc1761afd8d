// Package pgtest starts a throwaway Postgres for tests.
package pgtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvURL names the variable that points tests at an external database.
// Packages then share that database, so run them with go test -p 1.
const EnvURL = "TEST_DATABASE_URL"

// Start returns a connection URL from EnvURL, or from a fresh container when
// the variable is unset. When neither is available url is empty and err says
// why. stop is never nil.
func Start(ctx context.Context) (url string, stop func(), err error) {
	stop = func() {}
	if u := os.Getenv(EnvURL); u != "" {
		return u, stop, nil
	}

	// testcontainers panics when it cannot locate a Docker host.
	defer func() {
		if r := recover(); r != nil {
			url, err = "", fmt.Errorf("docker unavailable: %v", r)
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return "", stop, fmt.Errorf("docker unavailable: %w", err)
	}
	herr := provider.Health(ctx)
	provider.Close()
	if herr != nil {
		return "", stop, fmt.Errorf("docker unhealthy: %w", herr)
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("healthdata_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		if container != nil {
			_ = container.Terminate(ctx)
		}
		return "", stop, err
	}
	stop = func() {
		if err := container.Terminate(context.Background()); err != nil {
			fmt.Printf("failed to terminate postgres container: %v\n", err)
		}
	}

	url, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		stop()
		return "", func() {}, fmt.Errorf("connection string: %w", err)
	}
	if url == "" {
		stop()
		return "", func() {}, errors.New("empty connection string")
	}
	return url, stop, nil
}
