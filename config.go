package docs

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Config configures the database instance. Only Paths[0] is used at
// the moment.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB refuses to open the store when the filesystem has
	// less free space. Zero disables the check.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a tinted
	// stderr logger is used.
	Logger *slog.Logger
	// StoreLogger is an optional logger for the storage layer.
	StoreLogger *logrus.Logger

	// LocalNode is this node's transport identity. Used to sanitize
	// imported tickets and to sign sync reports.
	LocalNode keys.NodeID
	// Dialer establishes outgoing sync connections. Optional; without
	// it only inbound sync works.
	Dialer Dialer
	// Gossip is the membership collaborator. Optional.
	Gossip Gossip
	// Content is the blob store collaborator. Optional.
	Content ContentStore

	// SessionTimeout bounds a sync session end to end. Defaults to
	// 30 seconds.
	SessionTimeout time.Duration
	// RoundTimeout bounds one protocol round. Defaults to 10 seconds.
	RoundTimeout time.Duration
	// FlushInterval is the store's write-coalescing window. Defaults
	// to 500 milliseconds.
	FlushInterval time.Duration
}

// fileConfig is the yaml shape of a config file.
type fileConfig struct {
	Paths          []string `yaml:"paths"`
	MinimumFreeGB  uint     `yaml:"minimumFreeGB"`
	SessionTimeout string   `yaml:"sessionTimeout"`
	RoundTimeout   string   `yaml:"roundTimeout"`
	FlushInterval  string   `yaml:"flushInterval"`
}

// LoadConfig reads a yaml config file into a Config. Collaborators
// and loggers are wired up programmatically afterwards.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("docs: read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("docs: parse config %s: %w", path, err)
	}
	conf := Config{
		Paths:         fc.Paths,
		MinimumFreeGB: fc.MinimumFreeGB,
	}
	parse := func(s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("docs: parse duration %q in %s: %w", s, path, err)
		}
		*dst = d
		return nil
	}
	if err := parse(fc.SessionTimeout, &conf.SessionTimeout); err != nil {
		return Config{}, err
	}
	if err := parse(fc.RoundTimeout, &conf.RoundTimeout); err != nil {
		return Config{}, err
	}
	if err := parse(fc.FlushInterval, &conf.FlushInterval); err != nil {
		return Config{}, err
	}
	return conf, nil
}
