package batteryhistory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/TheCacophonyProject/battery-history/relay"
	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

const (
	configKey = "battery-history"

	minRecommendedInterval = 30
	maxRecommendedInterval = 24 * 60
)

type Config struct {
	MaxEntries          int         `mapstructure:"max-entries"`
	SaveIntervalMinutes int         `mapstructure:"save-interval-minutes"`
	Role                string      `mapstructure:"role"`
	DeviceID            string      `mapstructure:"device-id"`
	StateFile           string      `mapstructure:"state-file"`
	MetricsAddress      string      `mapstructure:"metrics-address"`
	Relay               RelayConfig `mapstructure:"relay"`
}

type RelayConfig struct {
	Enable      bool   `mapstructure:"enable"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic-prefix"`
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:          100,
		SaveIntervalMinutes: int(history.DefaultSaveInterval / time.Minute),
		Role:                string(relay.RoleConsolidator),
		StateFile:           "/var/lib/battery-history/settings.db",
		Relay: RelayConfig{
			Broker:      "localhost:1883",
			TopicPrefix: "cacophony/battery-history",
		},
	}
}

func ParseConfig(configDir string) (*Config, error) {
	conf, err := goconfig.New(configDir)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	if err := conf.Unmarshal(configKey, &c); err != nil {
		return nil, err
	}
	if c.DeviceID == "" {
		if c.DeviceID, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("no device-id set and failed to read hostname: %v", err)
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.MaxEntries < 1 || c.MaxEntries > history.MaxCapacity {
		return fmt.Errorf("max-entries must be between 1 and %d, got %d", history.MaxCapacity, c.MaxEntries)
	}
	if c.SaveIntervalMinutes < 1 {
		return fmt.Errorf("save-interval-minutes must be positive, got %d", c.SaveIntervalMinutes)
	}
	if _, err := relay.ParseRole(c.Role); err != nil {
		return err
	}
	if c.StateFile == "" {
		return fmt.Errorf("state-file can not be empty")
	}
	if c.Relay.Enable && c.DeviceID == "" {
		return fmt.Errorf("device-id is required when the relay is enabled")
	}
	return nil
}

func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalMinutes) * time.Minute
}

// RelayRole is only valid after validate.
func (c *Config) RelayRole() relay.Role {
	return relay.Role(c.Role)
}

func (c *Config) intervalRecommended() bool {
	return c.SaveIntervalMinutes >= minRecommendedInterval && c.SaveIntervalMinutes <= maxRecommendedInterval
}

// checkConfigChanges will compare the config from when first loaded to a new config each time
// the config file is modified.
// If there is a difference then the program will exit and systemd will restart the service, causing
// the new config to be loaded.
func checkConfigChanges(conf *Config, configDir string) error {
	configFilePath := filepath.Join(configDir, goconfig.ConfigFileName)
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(configFilePath, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		<-fsEvents
		newConfig, err := ParseConfig(configDir)
		log.Debug("New config:", newConfig)

		if err != nil {
			log.Error("error reloading config:", err)
			continue
		}
		diff := cmp.Diff(conf, newConfig)
		log.Debug("Config diff:", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			os.Exit(0)
		} else {
			log.Info("No relevant changes detected in config file.")
		}
	}
}
