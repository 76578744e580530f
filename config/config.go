package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bringyour.com/erpclient/rpc"
	"bringyour.com/erpclient/screen"
)

const (
	EnvServer   = "ERPCLIENT_SERVER"
	EnvDatabase = "ERPCLIENT_DATABASE"
	EnvUsername = "ERPCLIENT_USERNAME"
	EnvPassword = "ERPCLIENT_PASSWORD"
	EnvDev      = "ERPCLIENT_DEV"
)

func DefaultProfile() *Profile {
	return &Profile{
		Language:      "en",
		Limit:         1000,
		BusTimeout:    10 * time.Minute,
		BusTransport:  string(rpc.BusTransportLongPoll),
		SaveTreeState: true,
	}
}

// the settings of one server connection
type Profile struct {
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	// only from the environment, never written to the profile file
	Password string `yaml:"-"`
	Language string `yaml:"language"`
	// disables the response cache
	Dev bool `yaml:"dev"`
	// the screen page size, 0 for no limit
	Limit         int           `yaml:"limit"`
	BusTimeout    time.Duration `yaml:"bus_timeout"`
	BusTransport  string        `yaml:"bus_transport"`
	SaveTreeState bool          `yaml:"save_tree_state"`
	// 0 keeps the client default
	HttpTimeout time.Duration `yaml:"http_timeout"`
}

// reads the profile at `path` over the defaults, then applies the environment
// a missing file leaves the defaults. `envPaths` are dotenv files read before the
// process environment, which wins.
func Load(path string, envPaths ...string) (*Profile, error) {
	profile := DefaultProfile()
	if path != "" {
		if err := profile.readFile(path); err != nil {
			return nil, err
		}
	}

	env, err := readEnv(envPaths...)
	if err != nil {
		return nil, err
	}
	if err := profile.applyEnv(env); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func (self *Profile) readFile(path string) error {
	profileBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		glog.V(1).Infof("[config]no profile at %s\n", path)
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(profileBytes, self); err != nil {
		return fmt.Errorf("profile %s: %w", path, err)
	}
	return nil
}

func readEnv(envPaths ...string) (map[string]string, error) {
	env := map[string]string{}
	existing := []string{}
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			existing = append(existing, envPath)
		}
	}
	if 0 < len(existing) {
		fileEnv, err := godotenv.Read(existing...)
		if err != nil {
			return nil, err
		}
		env = fileEnv
	}
	for _, key := range []string{EnvServer, EnvDatabase, EnvUsername, EnvPassword, EnvDev} {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	return env, nil
}

func (self *Profile) applyEnv(env map[string]string) error {
	if value, ok := env[EnvServer]; ok {
		self.Server = value
	}
	if value, ok := env[EnvDatabase]; ok {
		self.Database = value
	}
	if value, ok := env[EnvUsername]; ok {
		self.Username = value
	}
	if value, ok := env[EnvPassword]; ok {
		self.Password = value
	}
	if value, ok := env[EnvDev]; ok && value != "" {
		dev, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDev, err)
		}
		self.Dev = dev
	}
	return nil
}

func (self *Profile) Validate() error {
	switch rpc.BusTransport(self.BusTransport) {
	case rpc.BusTransportLongPoll, rpc.BusTransportWebsocket:
	default:
		return fmt.Errorf("unknown bus transport %q", self.BusTransport)
	}
	if self.Limit < 0 {
		return fmt.Errorf("limit must not be negative (%d)", self.Limit)
	}
	if self.BusTimeout <= 0 {
		return fmt.Errorf("bus timeout must be positive (%s)", self.BusTimeout)
	}
	return nil
}

func (self *Profile) ClientSettings() *rpc.ClientSettings {
	settings := rpc.DefaultClientSettings()
	settings.Dev = self.Dev
	if self.Language != "" {
		settings.Language = self.Language
	}
	if 0 < self.HttpTimeout {
		settings.HttpTimeout = self.HttpTimeout
	}
	settings.Bus.Timeout = self.BusTimeout
	settings.Bus.Transport = rpc.BusTransport(self.BusTransport)
	return settings
}

func (self *Profile) ScreenSettings() *screen.ScreenSettings {
	settings := screen.DefaultScreenSettings()
	settings.Limit = self.Limit
	settings.SaveTreeState = self.SaveTreeState
	return settings
}

// the password is sent as the `password` login parameter
func (self *Profile) Credentials() *rpc.Credentials {
	parameters := map[string]any{}
	if self.Password != "" {
		parameters["password"] = self.Password
	}
	return &rpc.Credentials{
		ServerAddress: self.Server,
		Database:      self.Database,
		Username:      self.Username,
		Parameters:    parameters,
		Language:      self.Language,
	}
}
