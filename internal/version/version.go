package version

import "fmt"

var (
	// Version is the semantic version of the rebalancer binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent identifies outbound HTTP calls (swap router, price feed, signer).
func UserAgent() string {
	return fmt.Sprintf("vault-rebalancer/%s", Version)
}
