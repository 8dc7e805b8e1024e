// Package config parses the launch surface's flags into a validated
// Config, independent of cmd/server's main so it can be unit tested without
// touching os.Args.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"chatcore/internal/protocol"
)

// Config is the fully-parsed, validated launch configuration.
type Config struct {
	Host     string
	Port     int
	Protocol protocol.Name
	DBPath   string
}

// Default returns the default launch configuration:
// 127.0.0.1:8000, json protocol, database file "chat.db".
func Default() Config {
	return Config{
		Host:     "127.0.0.1",
		Port:     8000,
		Protocol: protocol.NameJSON,
		DBPath:   "chat.db",
	}
}

// Parse registers and parses --host, --port, --protocol, --db-path on fs
// (pass flag.CommandLine for a real process), starting from Default().
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	var protoName string
	fs.StringVar(&cfg.Host, "host", cfg.Host, "TCP address to bind")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to bind")
	fs.StringVar(&protoName, "protocol", string(cfg.Protocol), "wire protocol: json|custom")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the SQLite database file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Protocol = protocol.Name(protoName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether cfg is launchable.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("config: --host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: --port %d out of range", c.Port)
	}
	if c.Protocol != protocol.NameJSON && c.Protocol != protocol.NameBinary {
		return fmt.Errorf("config: --protocol %q must be %q or %q", c.Protocol, protocol.NameJSON, protocol.NameBinary)
	}
	if c.DBPath == "" {
		return errors.New("config: --db-path must not be empty")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
