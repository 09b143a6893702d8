package metrics

// Config contains the configuration for the metric collection. Only
// Enabled/EnabledExpensive are kept, and no code in cascade reads them:
// there is no HTTP or InfluxDB export path in this module, so the
// teacher's export fields (and their defaults) were dropped.
type Config struct {
	Enabled          bool `toml:",omitempty"`
	EnabledExpensive bool `toml:",omitempty"`
}

// DefaultConfig is the default config for metrics used by cascade.
var DefaultConfig = Config{
	Enabled:          false,
	EnabledExpensive: false,
}
