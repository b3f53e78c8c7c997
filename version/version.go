// Package version holds the single version string shared by the status
// endpoint, the x-knocker egress header, and the Sentry release name.
package version

// Version is bumped on every release.
const Version = "1.0.0"
