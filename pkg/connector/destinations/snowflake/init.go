package snowflake

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "snowflake",
		Description: "Snowflake data warehouse via internal stage and COPY INTO",
	}, func() core.DestinationClient {
		return New()
	})
}
