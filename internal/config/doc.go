// Package config loads, normalizes, and validates enricher configuration.
//
// Files are YAML by default; a .toml extension switches to TOML. Catalog
// credentials fall back to ASPACE_URL, ASPACE_USERNAME and ASPACE_PASSWORD
// when the file leaves them empty, so secrets never need to live on disk.
package config
