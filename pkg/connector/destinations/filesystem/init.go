package filesystem

import (
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(registry.Info{
		Name:        "filesystem",
		Description: "Local directory, S3, or GCS object store (file://, s3://, gs://)",
	}, func() core.DestinationClient {
		return New()
	})
}
