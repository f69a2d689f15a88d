package stores

import (
	"bytes"
	_ "embed"
)

//go:embed stores.yaml
var seedYAML []byte

// Seed parses the catalog compiled into the binary.
func Seed() (*Catalog, error) {
	return ParseCatalog(bytes.NewReader(seedYAML))
}
