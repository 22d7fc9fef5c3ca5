package version

import "fmt"

// Overridden at release time with
// -ldflags "-X github.com/AvaProtocol/safe4337/version.semver=... -X github.com/AvaProtocol/safe4337/version.revision=..."
var (
	semver   = "0.1.0"
	revision = "unknown"
)

func Get() string {
	return semver
}

func Commit() string {
	return revision
}

// String is the version and commit as printed by the CLI.
func String() string {
	return fmt.Sprintf("%s (%s)", semver, revision)
}
