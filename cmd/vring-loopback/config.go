package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/c35s/vring/virtio"
	"gopkg.in/yaml.v3"
)

// Config is the loopback's YAML configuration. Flags override it.
type Config struct {
	Legacy   bool          `yaml:"legacy"`
	ArenaMiB int           `yaml:"arena_mib"`
	LogLevel string        `yaml:"log_level"`
	Queue    QueueConfig   `yaml:"queue"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type QueueConfig struct {
	Size        uint16 `yaml:"size"`
	MaxSegments int    `yaml:"max_segments"`
	InlineMax   int    `yaml:"inline_max"`
	BufSize     int    `yaml:"buf_size"`

	// Indirect and EventIdx are offered to the device when true.
	Indirect bool `yaml:"indirect"`
	EventIdx bool `yaml:"event_idx"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

func defaultConfig() Config {
	return Config{
		ArenaMiB: 4,
		LogLevel: "info",

		Queue: QueueConfig{
			Size:     64,
			BufSize:  256,
			Indirect: true,
			EventIdx: true,
		},

		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

func parseConfig(body []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("vring: parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.ArenaMiB <= 0 {
		return fmt.Errorf("vring: arena_mib %d <= 0", c.ArenaMiB)
	}

	if c.Queue.Size == 0 || c.Queue.Size&(c.Queue.Size-1) != 0 {
		return fmt.Errorf("vring: queue size %d isn't a power of 2", c.Queue.Size)
	}

	if c.Queue.BufSize <= 0 {
		return fmt.Errorf("vring: buf_size %d <= 0", c.Queue.BufSize)
	}

	if _, err := c.level(); err != nil {
		return err
	}

	return nil
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("vring: log_level: %w", err)
	}

	return l, nil
}

// features returns the ring features the driver supports under c.
func (c Config) features() uint64 {
	f := uint64(virtio.FVersion1)
	if c.Queue.Indirect {
		f |= virtio.FIndirectDesc
	}

	if c.Queue.EventIdx {
		f |= virtio.FEventIdx
	}

	return f
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("vring: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
