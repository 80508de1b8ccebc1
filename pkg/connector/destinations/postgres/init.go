package postgres

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "postgres",
		Description: "PostgreSQL via the COPY protocol on a pgx connection pool",
	}, func() core.DestinationClient {
		return New()
	})
}
