package ops

import "os"

const (
	EnvMetricsAddr   = "ODTE_METRICS_ADDR"
	EnvPyroscopeAddr = "ODTE_PYROSCOPE_ADDR"
)

// ApplyEnv overrides process-level settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
}

// PyroscopeAddr returns the profiling server address, empty when disabled.
func PyroscopeAddr() string {
	return os.Getenv(EnvPyroscopeAddr)
}
