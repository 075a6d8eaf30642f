package scenesync

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// toml session config for the synctl commands and embedding hosts.
// secrets never live in the file, they come from the environment or a
// terminal prompt.

type RelayConfig struct {
	Bind string `toml:"bind"`
	Port int `toml:"port"`
	PersistDir string `toml:"persist_dir"`
}

type ClientConfig struct {
	Url string `toml:"url"`
	Room string `toml:"room"`
	PollIntervalMillis int `toml:"poll_interval_millis"`
	ReconnectMillis int `toml:"reconnect_millis"`
	RetryLimit int `toml:"retry_limit"`
	Types []string `toml:"types"`
}

type Config struct {
	Relay RelayConfig `toml:"relay"`
	Client ClientConfig `toml:"client"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Bind: "0.0.0.0",
			Port: DefaultRelayPort,
		},
		Client: ClientConfig{
			Url: fmt.Sprintf("ws://127.0.0.1:%d", DefaultRelayPort),
			Room: DefaultRoom,
			PollIntervalMillis: 250,
			ReconnectMillis: 5000,
			RetryLimit: DefaultSchedulerSettings().RetryLimit,
		},
	}
}

// LoadConfig reads a toml config over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("bad config %s: %w", path, err)
	}
	return config, nil
}

func (self *RelayConfig) Address() string {
	return fmt.Sprintf("%s:%d", self.Bind, self.Port)
}

func (self *RelayConfig) RelaySettings() *RelaySettings {
	settings := DefaultRelaySettings()
	settings.PersistDir = self.PersistDir
	return settings
}

func (self *ClientConfig) SynchronizerSettings() *SynchronizerSettings {
	settings := DefaultSynchronizerSettings()
	settings.Url = self.Url
	settings.Room = self.Room
	settings.Types = append([]string{}, self.Types...)
	if 0 < self.ReconnectMillis {
		settings.ReconnectTimeout = time.Duration(self.ReconnectMillis) * time.Millisecond
	}
	if 0 < self.RetryLimit {
		settings.Scheduler.RetryLimit = self.RetryLimit
	}
	return settings
}

func (self *ClientConfig) PollInterval() time.Duration {
	if self.PollIntervalMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(self.PollIntervalMillis) * time.Millisecond
}
