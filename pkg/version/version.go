// Package version reports which relay build is running. The values are
// printed by "relay version", logged at startup and sent to the directory
// service in the User-Agent header.
//
// Release builds stamp them with:
//
//	go build -ldflags "-X github.com/NicolasHaas/relay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/relay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/relay/pkg/version.date=2026-01-01"
package version

// Left at these values, a build reports itself as "dev".
var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// String is the short form used in logs and the User-Agent.
//
//	Tagged:   "v0.2.0"
//	Untagged: "abc1234"
//	Dev:      "dev"
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full adds the commit and build date for "relay version".
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// Tag returns the git tag, or empty string.
func Tag() string { return tag }

// Commit returns the short commit SHA.
func Commit() string { return commit }

// Date returns the build date.
func Date() string { return date }

// UserAgent identifies the relay to the HTTP directory, e.g. "relay/v0.2.0".
func UserAgent() string { return "relay/" + String() }
