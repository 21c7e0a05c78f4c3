// Package api embeds the capability catalog contract for the gateway.
package api

import _ "embed"

// CatalogContract contains the raw capability catalog YAML.
//
//go:embed catalog.yaml
var CatalogContract []byte
