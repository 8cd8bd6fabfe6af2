// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/bdobrica/kotoba/common/version.Version=v1.2.0" ./cmd/kotoba
package version

import "fmt"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line description for `kotoba version` and startup logs.
func Info() string {
	return fmt.Sprintf("kotoba %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
