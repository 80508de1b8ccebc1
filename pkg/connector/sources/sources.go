// Package sources pulls in every built-in source connector.
// Each source registers itself by name in init().
package sources

import (
	_ "github.com/ajitpratap0/strata/pkg/connector/sources/jsonl"
	_ "github.com/ajitpratap0/strata/pkg/connector/sources/memory"
)
