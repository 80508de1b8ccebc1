package sqlite

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "sqlite",
		Description: "Embedded SQLite database (default for development and tests)",
	}, func() core.DestinationClient {
		return New()
	})
}
