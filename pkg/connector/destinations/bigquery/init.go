package bigquery

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "bigquery",
		Description: "Google BigQuery via load jobs with deterministic job ids",
	}, func() core.DestinationClient {
		return New()
	})
}
