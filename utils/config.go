package utils

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config Server configuration read from YAML, with environment overrides.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	CAS struct {
		URL      string        `yaml:"url"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		Token    string        `yaml:"token"`
		AuthURL  string        `yaml:"auth_url"`
		ClientID string        `yaml:"client_id"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"cas"`

	CVAT struct {
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"cvat"`

	Database struct {
		Filename string `yaml:"filename"`
	} `yaml:"database"`

	Cache struct {
		SizeBytes     int `yaml:"size_bytes"`
		ExpirySeconds int `yaml:"expiry_seconds"`
		MaxPyramids   int `yaml:"max_pyramids"`
	} `yaml:"cache"`

	DeepZoom struct {
		TileSize    int    `yaml:"tile_size"`
		TileOverlap int    `yaml:"tile_overlap"`
		Format      string `yaml:"format"`
	} `yaml:"deepzoom"`

	Log LogConfig `yaml:"log"`
}

// LogConfig Log level and optional rotating log file
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
}

var errInvalidConfig = errors.New("invalid configuration")

// DefaultConfig Configuration used for every field the YAML file leaves empty.
func DefaultConfig() *Config {
	config := &Config{}
	config.Server.Port = "5000"
	config.CAS.Timeout = 60 * time.Second
	config.CAS.ClientID = "sas.ec"
	config.CVAT.PollInterval = 2 * time.Second
	config.Database.Filename = "cvscope.sqlite"
	config.Cache.SizeBytes = 256 * 1024 * 1024
	config.Cache.ExpirySeconds = 300
	config.Cache.MaxPyramids = 64
	config.DeepZoom.TileSize = 254
	config.DeepZoom.TileOverlap = 1
	config.DeepZoom.Format = "png"
	config.Log.Level = "info"
	config.Log.MaxSize = 100
	config.Log.MaxAge = 28
	config.Log.MaxBackups = 3
	return config
}

// NewConfig Read the YAML configuration at configPath on top of the defaults, then apply
// the environment (and a .env file next to the binary if there is one).
func NewConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		d := yaml.NewDecoder(file)
		if err := d.Decode(config); err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", configPath, err)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded: ", err)
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) applyEnv() {
	overrides := map[string]*string{
		"CAS_URL":      &config.CAS.URL,
		"CAS_USERNAME": &config.CAS.Username,
		"CAS_PASSWORD": &config.CAS.Password,
		"CAS_TOKEN":    &config.CAS.Token,
		"CVAT_URL":     &config.CVAT.URL,
		"CVAT_TOKEN":   &config.CVAT.Token,
	}
	for key, field := range overrides {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			*field = value
		}
	}
}

// Validate Check that the configuration can run a server
func (config *Config) Validate() error {
	if config.CAS.URL == "" {
		return fmt.Errorf("%w: cas.url is required", errInvalidConfig)
	}
	var port int
	if _, err := fmt.Sscanf(config.Server.Port, "%d", &port); err != nil || port <= 0 {
		return fmt.Errorf("%w: server.port %q", errInvalidConfig, config.Server.Port)
	}
	if config.DeepZoom.TileSize < 1 || config.DeepZoom.TileOverlap < 0 {
		return fmt.Errorf("%w: deepzoom tile size %d overlap %d", errInvalidConfig, config.DeepZoom.TileSize, config.DeepZoom.TileOverlap)
	}
	if config.DeepZoom.Format != "png" && config.DeepZoom.Format != "jpeg" {
		return fmt.Errorf("%w: deepzoom.format must be png or jpeg", errInvalidConfig)
	}
	return nil
}

// ValidateConfigPath Make sure the path given is a file and not a directory
func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a normal file", path)
	}
	return nil
}

// ParseFlags Parse the command line flags: the config path, debug mode and whether to run
// the interactive annotation login instead of the server.
func ParseFlags() (string, bool, bool, error) {
	var configPath string
	var debugMode bool
	var login bool

	flag.StringVar(&configPath, "config", "./config.yml", "path to config file")
	flag.BoolVar(&debugMode, "debug", false, "enable gin debug mode")
	flag.BoolVar(&login, "login", false, "generate an annotation server token and exit")
	flag.Parse()

	if login {
		return configPath, debugMode, login, nil
	}
	if err := ValidateConfigPath(configPath); err != nil {
		return "", false, false, err
	}
	return configPath, debugMode, login, nil
}
