package infra

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SharedDSNEnv names a pre-provisioned database that replaces the container.
const SharedDSNEnv = "ESCRA_TEST_PG_DSN"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a Postgres 16 container and returns its DSN. When
// overrideDSN or ESCRA_TEST_PG_DSN is set the existing database is reused and
// shared reports true.
func StartPostgres(ctx context.Context, overrideDSN string) (pg *PGContainer, dsn string, shared bool, err error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, true, nil
	}
	if env := os.Getenv(SharedDSNEnv); env != "" {
		return &PGContainer{}, env, true, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("escra"),
		postgres.WithUsername("escra"),
		postgres.WithPassword("escra"),
	)
	if err != nil {
		return nil, "", false, err
	}

	dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", false, err
	}
	return &PGContainer{C: pgC}, dsn, false, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// DockerAvailable reports whether a docker daemon answers on this host.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
