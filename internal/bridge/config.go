package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a yaml-parseable time.Duration ("30s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type EndpointConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type SourceConfig struct {
	EndpointConfig `yaml:",inline"`
	SourceID       string `yaml:"source_id"`
	NotifierURL    string `yaml:"notifier_url"`
}

type TargetConfig struct {
	EndpointConfig `yaml:",inline"`
	TargetID       string `yaml:"target_id"`
	SaveAsDraft    bool   `yaml:"save_as_draft"`
}

type BridgeConfig struct {
	Label  string       `yaml:"label"`
	Source SourceConfig `yaml:"source"`
	Target TargetConfig `yaml:"target"`
}

type Config struct {
	StoreDSN     string         `yaml:"store_dsn"`
	PollInterval Duration       `yaml:"poll_interval"`
	StatusAddr   string         `yaml:"status_addr"`
	Bridges      []BridgeConfig `yaml:"bridges"`
}

// LoadConfig reads and validates a YAML bridge configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(60 * time.Second)
	}
	if len(cfg.Bridges) == 0 {
		return nil, fmt.Errorf("config %s: no bridges defined", path)
	}
	for i, bc := range cfg.Bridges {
		if bc.Source.Endpoint == "" || bc.Source.SourceID == "" {
			return nil, fmt.Errorf("config %s: bridge %d has an incomplete source", path, i)
		}
		if bc.Target.Endpoint == "" || bc.Target.TargetID == "" {
			return nil, fmt.Errorf("config %s: bridge %d has an incomplete target", path, i)
		}
	}
	return &cfg, nil
}

// WatchConfig emits a freshly loaded config whenever the file is rewritten.
// Invalid intermediate states (editors often truncate before writing) are
// logged and skipped.
func WatchConfig(ctx context.Context, path string, logger zerolog.Logger) (<-chan *Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors replace the file, which drops a watch on
	// the file itself
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	out := make(chan *Config, 1)
	go func() {
		defer watcher.Close()
		defer close(out)
		absPath, _ := filepath.Abs(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				eventPath, _ := filepath.Abs(event.Name)
				if eventPath != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("ignoring invalid config change")
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return out, nil
}
