package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	Identity string `mapstructure:"identity"`

	// Friends is the static roster; calls are only offered to these peers.
	Friends []string `mapstructure:"friends"`

	// RelayDir, when set, selects the shared-directory relay instead of the
	// in-process one. Both clients must point at the same directory.
	RelayDir string `mapstructure:"relay_dir"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`

	// InviteTimeout bounds how long a caller waits for the receiver to
	// respond before giving up with a "no answer" notice.
	InviteTimeout time.Duration `mapstructure:"invite_timeout"`
	// ConnectTimeout bounds how long negotiation may take to reach the
	// connected transport state.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	ExecAPIURL    string `mapstructure:"exec_api_url"`
	ExecClientID  string `mapstructure:"exec_client_id"`
	ExecSecret    string `mapstructure:"exec_secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("identity", "")
	v.SetDefault("relay_dir", "")
	v.SetDefault("invite_timeout", "30s")
	v.SetDefault("connect_timeout", "45s")
	v.SetDefault("exec_api_url", "https://api.jdoodle.com/v1/execute")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
