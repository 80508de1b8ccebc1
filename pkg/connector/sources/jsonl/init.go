package jsonl

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource(registry.Info{
		Name:        "jsonl",
		Description: "Newline-delimited JSON files in a directory, one resource per file stem",
	}, func() core.SourceConnector { return New() })
}
