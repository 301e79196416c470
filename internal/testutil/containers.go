// Package testutil starts the backing services used by integration tests.
// Each service is a single container shared by every test in the process.
// Setting the matching DAGFLOW_TEST_* variable points tests at an existing
// service instead, and -short skips them.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for the readiness probe
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	EnvPostgresDSN = "DAGFLOW_TEST_POSTGRES_DSN"
	EnvRedisAddr   = "DAGFLOW_TEST_REDIS_ADDR"
	EnvMongoURI    = "DAGFLOW_TEST_MONGO_URI"

	startTimeout = 3 * time.Minute
	pgUser       = "dagflow"
	pgDatabase   = "dagflow_test"
)

// service is a lazily started container and the address derived from it.
type service struct {
	name    string
	env     string
	image   string
	port    nat.Port
	envVars map[string]string
	waitFor wait.Strategy
	address func(endpoint string) string

	once sync.Once
	addr string
	err  error
}

var (
	postgres = &service{
		name:  "postgres",
		env:   EnvPostgresDSN,
		image: "postgres:16",
		port:  "5432/tcp",
		envVars: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgUser,
			"POSTGRES_DB":       pgDatabase,
		},
		waitFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("ready to accept connections"),
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return postgresDSN(fmt.Sprintf("%s:%s", host, port.Port()))
			}).WithQuery("SELECT 1"),
		).WithDeadline(2 * time.Minute),
		address: postgresDSN,
	}

	redisSvc = &service{
		name:  "redis",
		env:   EnvRedisAddr,
		image: "redis:7",
		port:  "6379/tcp",
		waitFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		address: func(endpoint string) string { return endpoint },
	}

	mongoSvc = &service{
		name:  "mongo",
		env:   EnvMongoURI,
		image: "mongo:7",
		port:  "27017/tcp",
		waitFor: wait.ForAll(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
		address: func(endpoint string) string { return "mongodb://" + endpoint },
	}
)

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgUser, hostPort, pgDatabase)
}

// GetPostgresDSN returns a DSN for a PostgreSQL database.
func GetPostgresDSN(t *testing.T) string {
	return postgres.get(t)
}

// GetRedisAddress returns host:port of a Redis server.
func GetRedisAddress(t *testing.T) string {
	return redisSvc.get(t)
}

// GetMongoURI returns a connection URI for a MongoDB server.
func GetMongoURI(t *testing.T) string {
	return mongoSvc.get(t)
}

func (s *service) get(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skipf("skipping %s-backed test in -short mode", s.name)
	}
	if v := os.Getenv(s.env); v != "" {
		return v
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	s.once.Do(s.start)
	if s.err != nil {
		t.Skipf("skipping: %s container unavailable: %v", s.name, s.err)
	}
	return s.addr
}

func (s *service) start() {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(string(s.port)),
		testcontainers.WithWaitStrategy(s.waitFor),
	}
	if len(s.envVars) > 0 {
		opts = append(opts, testcontainers.WithEnv(s.envVars))
	}

	c, err := testcontainers.Run(ctx, s.image, opts...)
	if err != nil {
		s.err = err
		return
	}
	endpoint, err := c.PortEndpoint(ctx, s.port, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		s.err = err
		return
	}
	s.addr = s.address(endpoint)
}
