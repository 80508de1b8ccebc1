// Package destinations registers every built-in destination client.
// Importing it makes the clients available through the registry.
package destinations

import (
	// Each destination registers itself by name in init().
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/bigquery"
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/filesystem"
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/mysql"
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/postgres"
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/snowflake"
	_ "github.com/ajitpratap0/strata/pkg/connector/destinations/sqlite"
)
