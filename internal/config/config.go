package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSocketPath = "/tmp/sessionhub/hub.sock"

	EnvSocket    = "SESSIONHUB_SOCKET"
	EnvSessionID = "SESSIONHUB_ID"
	EnvDebug     = "SESSIONHUB_DEBUG"
	EnvConfig    = "SESSIONHUB_CONFIG"
)

type HubConfig struct {
	SocketPath        string `json:"socket_path" yaml:"socket_path"`
	PollInterval      string `json:"poll_interval" yaml:"poll_interval"`
	WriteTimeout      string `json:"write_timeout" yaml:"write_timeout"`
	MaxFrameSize      int    `json:"max_frame_size" yaml:"max_frame_size"`
	IDCollisionWindow string `json:"id_collision_window" yaml:"id_collision_window"`
}

type ClientConfig struct {
	SessionID       string `json:"session_id" yaml:"session_id"`
	RegisterTimeout string `json:"register_timeout" yaml:"register_timeout"`
	SendTimeout     string `json:"send_timeout" yaml:"send_timeout"`
	PollInterval    string `json:"poll_interval" yaml:"poll_interval"`
	StopTimeout     string `json:"stop_timeout" yaml:"stop_timeout"`
}

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
	JournalSize        int    `json:"journal_size" yaml:"journal_size"`
}

type LogConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

type Config struct {
	Hub       HubConfig      `json:"hub" yaml:"hub"`
	Client    ClientConfig   `json:"client" yaml:"client"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	Log       LogConfig      `json:"log" yaml:"log"`
	DebugMode bool           `json:"debug_mode" yaml:"debug_mode"`
	AppName   string         `json:"app_name" yaml:"app_name"`
}

var config = Default()
var initialized = false

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{AppName: "session-hub"}
	c.Hub = HubConfig{
		SocketPath:        DefaultSocketPath,
		PollInterval:      "1s",
		WriteTimeout:      "5s",
		MaxFrameSize:      1 << 20,
		IDCollisionWindow: "2s",
	}
	c.Client = ClientConfig{
		RegisterTimeout: "5s",
		SendTimeout:     "5s",
		PollInterval:    "500ms",
		StopTimeout:     "2s",
	}
	c.Database = DatabaseConfig{
		Host:               "127.0.0.1",
		Port:               27017,
		Database:           "sessionhub",
		ConnectTimeout:     "10s",
		SocketTimeout:      "30s",
		ConnectIdleTimeout: "5m",
		OperationTimeout:   "5s",
		Heartbeat:          "10s",
		MinPoolSize:        1,
		MaxPoolSize:        10,
		JournalSize:        4096,
	}
	c.Log = LogConfig{RetentionDays: 30}
	return c
}

// ReadConfig loads path on top of the defaults and applies environment
// overrides. An empty path yields the defaults. A missing file is created
// from the defaults so it can be edited, and an error is returned.
func ReadConfig(path string) (Config, error) {
	loaded := Default()

	if path != "" {
		bytes, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return loaded, fmt.Errorf("reading configuration file %s: %w", path, err)
			}
			if writeErr := writeTemplate(path, loaded); writeErr != nil {
				return loaded, fmt.Errorf("creating configuration template %s: %w", path, writeErr)
			}
			return loaded, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
		}

		if err := decode(path, bytes, &loaded); err != nil {
			return loaded, err
		}
	}

	applyEnv(&loaded)
	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(os.Getenv(EnvConfig))
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, bytes []byte, out *Config) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(bytes, out); err != nil {
			return fmt.Errorf("the configuration file does not contain valid YAML: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	return nil
}

func writeTemplate(path string, c Config) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "\t")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func applyEnv(c *Config) {
	if socket := os.Getenv(EnvSocket); socket != "" {
		c.Hub.SocketPath = socket
	}
	if id := os.Getenv(EnvSessionID); id != "" {
		c.Client.SessionID = id
	}
	if debug := os.Getenv(EnvDebug); debug != "" {
		if enabled, err := strconv.ParseBool(debug); err == nil {
			c.DebugMode = enabled
		}
	}
}

func (h HubConfig) PollIntervalDuration() time.Duration {
	return utils.DurationOr(h.PollInterval, time.Second)
}

func (h HubConfig) WriteTimeoutDuration() time.Duration {
	return utils.DurationOr(h.WriteTimeout, 5*time.Second)
}

func (h HubConfig) IDCollisionWindowDuration() time.Duration {
	return utils.DurationOr(h.IDCollisionWindow, 2*time.Second)
}

func (c ClientConfig) RegisterTimeoutDuration() time.Duration {
	return utils.DurationOr(c.RegisterTimeout, 5*time.Second)
}

func (c ClientConfig) SendTimeoutDuration() time.Duration {
	return utils.DurationOr(c.SendTimeout, 5*time.Second)
}

func (c ClientConfig) PollIntervalDuration() time.Duration {
	return utils.DurationOr(c.PollInterval, 500*time.Millisecond)
}

func (c ClientConfig) StopTimeoutDuration() time.Duration {
	return utils.DurationOr(c.StopTimeout, 2*time.Second)
}

func (d DatabaseConfig) OperationTimeoutDuration() time.Duration {
	return utils.DurationOr(d.OperationTimeout, 5*time.Second)
}
