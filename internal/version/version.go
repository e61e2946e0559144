package version

// Set at build time via -ldflags "-X rulejanitor/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
