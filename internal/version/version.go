package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/r9s-ai/reqpool/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
	Platform  string
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("reqpool %s (commit=%s built=%s %s %s)", i.Version, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}

// UserAgent is the default User-Agent sent by the pool.
func UserAgent() string {
	return "reqpool/" + Version
}
