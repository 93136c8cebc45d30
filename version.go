package redisruntime

import (
	"runtime"

	"github.com/raniellyferreira/redis-runtime/server"
)

// Version is the release of the runtime library and the kvctl binary
const Version = "1.0.0"

// Set with -ldflags "-X github.com/raniellyferreira/redis-runtime.GitCommit=..."
var (
	GitCommit string
	BuildTime string
)

// VersionInfo describes the running build. Commit and build time are only
// present when they were set at link time.
func VersionInfo() map[string]string {
	info := map[string]string{
		"version":        Version,
		"go":             runtime.Version(),
		"server_version": server.Version,
	}
	if GitCommit != "" {
		info["commit"] = GitCommit
	}
	if BuildTime != "" {
		info["build_time"] = BuildTime
	}
	return info
}
