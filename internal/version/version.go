// Package version holds the release version stamped into the CLI and the
// catalog client's User-Agent.
package version

// Product names the tool in User-Agent headers.
const Product = "catalog-ark-enricher"

// Current is the release version, without a leading "v".
const Current = "0.3.0"

// UserAgent is the default User-Agent sent to the catalog.
func UserAgent() string {
	return Product + "/" + Current
}
