package config

// DefaultSweepSchedule is used when the maintenance section is omitted or
// leaves schedule empty.
const DefaultSweepSchedule = "@every 1m"

const (
	DefaultHTTPAddr     = "127.0.0.1:8080"
	DefaultDirectoryDir = "./data"
	DefaultCacheDir     = "./data/cache"
)
