package config

import (
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const DefaultPort = 6379

// ReplicaOf addresses the master this node replicates from.
type ReplicaOf struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Config is the full node configuration. A nil ReplicaOf means the node runs
// as a master.
type Config struct {
	Port      int        `toml:"port"`
	ReplicaOf *ReplicaOf `toml:"replicaof"`
}

func Default() *Config {
	return &Config{Port: DefaultPort}
}

// Role returns the role string used in INFO and diagnostics.
func (c *Config) Role() string {
	if c.ReplicaOf != nil {
		return "slave"
	}
	return "master"
}

// Load builds the configuration from command-line arguments. A --config file
// is applied first, then flags override it. Flags may appear in any
// position; unknown arguments are ignored.
//
//	--port N | -p N          listening port
//	--replicaof HOST PORT    run as replica of HOST:PORT
//	--config FILE            TOML file with the same settings
func Load(args []string) (*Config, error) {
	cfg := Default()

	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			if _, err := toml.DecodeFile(args[i+1], cfg); err != nil {
				return nil, errors.Wrapf(err, "config file %s", args[i+1])
			}
		}
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port", "-p":
			if i+1 >= len(args) {
				return nil, errors.Errorf("%s requires a value", args[i])
			}
			i++
			port, err := strconv.ParseUint(args[i], 10, 16)
			if err != nil {
				return nil, errors.Errorf("invalid port %q", args[i])
			}
			cfg.Port = int(port)

		case "--replicaof":
			if i+2 >= len(args) {
				return nil, errors.New("--replicaof requires a host and a port")
			}
			host := args[i+1]
			port, err := strconv.ParseUint(args[i+2], 10, 16)
			if err != nil {
				return nil, errors.Errorf("invalid master port %q", args[i+2])
			}
			cfg.ReplicaOf = &ReplicaOf{Host: host, Port: int(port)}
			i += 2

		case "--config":
			i++ // consumed above
		}
	}

	return cfg, nil
}
