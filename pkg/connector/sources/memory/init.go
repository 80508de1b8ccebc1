package memory

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource(registry.Info{
		Name:        "memory",
		Description: "In-process record fixtures for tests and examples",
	}, func() core.SourceConnector { return New(nil) })
}
