package mysql

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "mysql",
		Description: "MySQL database via multi-row INSERT batches",
	}, func() core.DestinationClient {
		return New()
	})
}
