package meshcore

import "github.com/blang/semver"

// Version is the running build's version, reported by the diagnostic CLI
// and logged at daemon boot.
var Version = semver.MustParse("0.1.0")
