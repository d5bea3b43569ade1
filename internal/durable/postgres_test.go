package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "openstream",
			"POSTGRES_PASSWORD": "openstream",
			"POSTGRES_DB":       "openstream",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://openstream:openstream@%s:%s/openstream?sslmode=disable", host, port.Port())
}

func TestPostgresPersistAndLease(t *testing.T) {
	dsn := runPostgres(t)
	s, err := Open(context.Background(), Config{Driver: DialectPostgres, DSN: dsn}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	testPersistIsIdempotent(t, s)

	clk := &fakeClock{now: time.UnixMilli(1_000_000)}
	s.SetClock(clk.Now)
	testLeaseSingleHolder(t, s.Leases(), clk)
}
