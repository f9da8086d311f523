package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/replication/internal/config"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/observability/metrics"
)

// ConfigPath is the YAML file to load; empty means defaults.
type ConfigPath string

// App is what the replicon commands need to run.
type App struct {
	Config  *config.Config
	Logger  *log.Logger
	Metrics *metrics.Replication
}

var ProviderSet = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
	ProvideMetrics,
	wire.Struct(new(App), "*"),
)

func ProvideConfig(path ConfigPath) (*config.Config, error) {
	return config.Load(string(path))
}

func ProvideLogger(cfg *config.Config) *log.Logger {
	return log.New(cfg.LogLevel())
}

// ProvideMetrics registers the replication collectors with the default registry.
func ProvideMetrics() (*metrics.Replication, error) {
	m := metrics.New()
	if err := m.Register(nil); err != nil {
		return nil, err
	}
	return m, nil
}
