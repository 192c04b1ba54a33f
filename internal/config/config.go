package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	ControlPort       int           `mapstructure:"control_port"`
	SignalURL         string        `mapstructure:"signal_url"`
	Room              string        `mapstructure:"room"`
	MediaDir          string        `mapstructure:"media_dir"`
	RecordDir         string        `mapstructure:"record_dir"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	SwapSettle        time.Duration `mapstructure:"swap_settle"`
	AudioLevelExtID   uint8         `mapstructure:"audio_level_ext_id"`
	SpeakingThreshold int           `mapstructure:"speaking_threshold"`
	StartCamera       bool          `mapstructure:"start_camera"`
	StartMike         bool          `mapstructure:"start_mike"`
	SwapLimit         int           `mapstructure:"swap_limit"`
	SwapInterval      time.Duration `mapstructure:"swap_interval"`
}

// Flags declares command-line overrides for the most used keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("housecall", pflag.ContinueOnError)
	fs.String("signal_url", "", "signaling websocket url")
	fs.String("room", "", "room to join")
	fs.Int("control_port", 0, "control API port")
	fs.String("media_dir", "", "directory of capture files")
	fs.String("record_dir", "", "directory for recordings, empty disables recording")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Flags that
// were set on fs take precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
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
	v.SetDefault("control_port", 8081)
	v.SetDefault("signal_url", "ws://localhost:3000/ws")
	v.SetDefault("room", "HouseScene")
	v.SetDefault("media_dir", "./media")
	v.SetDefault("record_dir", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("request_timeout", "0s")
	v.SetDefault("swap_settle", "25ms")
	v.SetDefault("audio_level_ext_id", 1)
	v.SetDefault("speaking_threshold", 10)
	v.SetDefault("start_camera", true)
	v.SetDefault("start_mike", true)
	v.SetDefault("swap_limit", 5)
	v.SetDefault("swap_interval", "10s")

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room must not be empty")
	}
	fmt.Printf("🧩 Mode: %s | Control: %d | Signal: %s | Room: %s\n", cfg.Mode, cfg.ControlPort, cfg.SignalURL, cfg.Room)
	return &cfg, nil
}
