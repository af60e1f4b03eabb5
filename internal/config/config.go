// Package config loads the operational settings (queue sizes, timeouts,
// log level, listen address, data directory) via viper, from file and
// environment. These are deliberately separate from the Constitution:
// operational settings are reloadable tuning knobs; the Constitution is
// the immutable trading-parameter document.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operational is the reloadable runtime configuration.
type Operational struct {
	ListenAddr       string `mapstructure:"listenAddr"`
	LogLevel         string `mapstructure:"logLevel"`
	DataDir          string `mapstructure:"dataDir"`
	ConstitutionPath string `mapstructure:"constitutionPath"`

	Symbols []string `mapstructure:"symbols"`

	EventBusWorkers   int `mapstructure:"eventBusWorkers"`
	EventBusQueueSize int `mapstructure:"eventBusQueueSize"`
	WorkerPoolSize    int `mapstructure:"workerPoolSize"`
	WorkerQueueSize   int `mapstructure:"workerQueueSize"`

	SubmissionQueueSize  int           `mapstructure:"submissionQueueSize"`
	DailyVolumeCap       int           `mapstructure:"dailyVolumeCap"`
	OrderTimeout         time.Duration `mapstructure:"orderTimeout"`
	OrderSubmitDeadline  time.Duration `mapstructure:"orderSubmitDeadline"`
	BrokerConnectTimeout time.Duration `mapstructure:"brokerConnectTimeout"`

	ATRCacheTTL     time.Duration `mapstructure:"atrCacheTtl"`
	ATRFetchTimeout time.Duration `mapstructure:"atrFetchTimeout"`

	HealthInterval time.Duration `mapstructure:"healthInterval"`
	DrainDeadline  time.Duration `mapstructure:"drainDeadline"`

	LLMSEnabled bool `mapstructure:"llmsEnabled"`
}

// Load reads the operational config from path (optional) with env
// overrides under the ALLUSE_ prefix and defaults for everything unset.
func Load(path string) (*Operational, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ALLUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read operational config %s: %w", path, err)
		}
	}

	var cfg Operational
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal operational config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddr", "127.0.0.1:8090")
	v.SetDefault("logLevel", "info")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("constitutionPath", "./configs/constitution.yaml")
	v.SetDefault("symbols", []string{"SPY", "QQQ", "IWM"})

	v.SetDefault("eventBusWorkers", 4)
	v.SetDefault("eventBusQueueSize", 4096)
	v.SetDefault("workerPoolSize", 4)
	v.SetDefault("workerQueueSize", 1024)

	v.SetDefault("submissionQueueSize", 256)
	v.SetDefault("dailyVolumeCap", 500)
	v.SetDefault("orderTimeout", 5*time.Minute)
	v.SetDefault("orderSubmitDeadline", 10*time.Second)
	v.SetDefault("brokerConnectTimeout", 30*time.Second)

	v.SetDefault("atrCacheTtl", 5*time.Minute)
	v.SetDefault("atrFetchTimeout", 30*time.Second)

	v.SetDefault("healthInterval", 30*time.Second)
	v.SetDefault("drainDeadline", 10*time.Second)

	v.SetDefault("llmsEnabled", false)
}
