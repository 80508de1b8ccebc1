package connector_test

import (
	"context"
	"fmt"
	"log"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
	"github.com/ajitpratap0/strata/pkg/connector/sources/memory"
)

// Example reads a fixture-backed source through the registry, the same
// path the pipeline takes for any configured source.
func Example() {
	fixture := memory.NewFixture().
		Add("users",
			map[string]interface{}{"id": 1, "name": "ada"},
			map[string]interface{}{"id": 2, "name": "grace"},
		)
	memory.Store("connector-example", fixture)
	defer memory.Remove("connector-example")

	src, err := registry.CreateSource("memory")
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	cfg := &config.SourceConfig{
		Type:    "memory",
		Options: map[string]string{"fixture": "connector-example"},
	}
	if err := src.Open(ctx, cfg); err != nil {
		log.Fatal(err)
	}
	defer src.Close(ctx)

	for _, resource := range src.Resources() {
		it, err := src.Read(ctx, resource, nil)
		if err != nil {
			log.Fatal(err)
		}
		total := 0
		for {
			batch, err := it.Next(ctx)
			if err != nil {
				log.Fatal(err)
			}
			if batch == nil {
				break
			}
			total += batch.Size()
		}
		if err := it.Close(); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s: %d records\n", resource, total)
	}
	// Output:
	// users: 2 records
}
