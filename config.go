package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krantius/anki/backup"
	"github.com/krantius/anki/cluster"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/snapshot"
	"github.com/krantius/anki/worker"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultPort = 8001

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

type RPCConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Attempts    int           `yaml:"attempts"`
}

type BackupConfig struct {
	// Dir enables backups when set
	Dir string `yaml:"dir"`
	// Schedule is a cron expression
	Schedule string `yaml:"schedule"`
	Codec    string `yaml:"codec"`
	Keep     int    `yaml:"keep"`
	// Restore loads the newest backup before joining
	Restore bool `yaml:"restore"`
}

// Config is the process configuration. ID, Role and Advertise are copied
// into the role specific sections.
type Config struct {
	ID        string            `yaml:"id"`
	Role      membership.Role   `yaml:"role"`
	Listen    string            `yaml:"listen"`
	Advertise string            `yaml:"advertise"`
	Peers     map[string]string `yaml:"peers"`
	// HTTP is the status API address of a coordinator, empty disables it
	HTTP string `yaml:"http"`

	Log    LogConfig    `yaml:"log"`
	RPC    RPCConfig    `yaml:"rpc"`
	Backup BackupConfig `yaml:"backup"`

	Cluster cluster.Config `yaml:"cluster"`
	Worker  worker.Config  `yaml:"worker"`
}

func DefaultConfig() Config {
	return Config{
		Role:   membership.Coordinator,
		Listen: fmt.Sprintf(":%d", defaultPort),
		Log:    LogConfig{Level: "info", Color: true},
		RPC:    RPCConfig{DialTimeout: time.Second, Attempts: 3},
		Backup: BackupConfig{
			Schedule: "@every 5m",
			Codec:    "json",
			Keep:     10,
		},
		Cluster: cluster.DefaultConfig(),
		Worker:  worker.DefaultConfig(),
	}
}

// LoadConfig reads the YAML file at path over the defaults, empty path skips
// the file, then applies the environment
func LoadConfig(path string, getenv func(string) string) (Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := c.applyEnv(getenv); err != nil {
		return c, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if c.Advertise == "" {
		c.Advertise = advertise(c.Listen)
	}

	c.Cluster.ID = c.ID
	c.Cluster.Role = c.Role
	c.Cluster.Addr = c.Advertise
	c.Worker.ID = c.ID
	c.Worker.Addr = c.Advertise

	return c, c.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("NODE_ID"); v != "" {
		c.ID = v
	}
	if v := getenv("NODE_ROLE"); v != "" {
		c.Role = membership.Role(strings.ToLower(v))
	}
	if v := getenv("NODE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return errors.Errorf("invalid NODE_PORT %q", v)
		}
		c.Listen = fmt.Sprintf(":%d", port)
	}
	if v := getenv("NODE_ADDR"); v != "" {
		c.Advertise = v
	}
	if v := getenv("NODE_PEERS"); v != "" {
		peers, err := parsePeers(v)
		if err != nil {
			return err
		}
		c.Peers = peers
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		c.HTTP = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}

	return nil
}

// parsePeers reads "id=host:port,id=host:port"
func parsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)

	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("invalid peer %q, want id=host:port", p)
		}
		peers[parts[0]] = parts[1]
	}

	return peers, nil
}

// advertise turns a listen address into one other nodes can dial
func advertise(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address required")
	}

	switch c.Role {
	case membership.Coordinator:
		if err := c.Cluster.Validate(); err != nil {
			return err
		}
	case membership.Worker:
		if err := c.Worker.Validate(); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown role %q", c.Role)
	}

	if c.Backup.Keep < 0 {
		return errors.New("negative backup keep")
	}

	if c.Backup.Dir != "" {
		if _, err := backup.ParseSchedule(c.Backup.Schedule); err != nil {
			return err
		}
		if _, err := snapshot.GetCodec(c.Backup.Codec); err != nil {
			return err
		}
	}

	return nil
}
