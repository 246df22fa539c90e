// Package config loads yacall settings from an optional YAML file and
// YACALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
)

const (
	MediaPion     = "pion"
	MediaLoopback = "loopback"
)

type Config struct {
	Relay   Relay   `yaml:"relay"`
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`
	Network Network `yaml:"network"`
	Media   Media   `yaml:"media"`
	ICE     ICE     `yaml:"ice"`
}

type Relay struct {
	URL          string        `yaml:"url" env:"YACALL_RELAY_URL" env-default:"http://localhost:3500"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"YACALL_RELAY_WRITE_TIMEOUT" env-default:"10s"`
}

type HTTP struct {
	Listen    string `yaml:"listen" env:"YACALL_HTTP_LISTEN" env-default:"127.0.0.1:8080"`
	StaticDir string `yaml:"static_dir" env:"YACALL_HTTP_STATIC_DIR"`
}

type Log struct {
	Level string `yaml:"level" env:"YACALL_LOG_LEVEL" env-default:"info"`
}

type Network struct {
	// Descriptor overrides the probed network when set.
	Descriptor string        `yaml:"descriptor" env:"YACALL_NETWORK"`
	TTL        time.Duration `yaml:"ttl" env:"YACALL_NETWORK_TTL" env-default:"10s"`
}

type Media struct {
	Driver       string `yaml:"driver" env:"YACALL_MEDIA" env-default:"pion"`
	Video        Video  `yaml:"video"`
	VideoBitRate int    `yaml:"video_bitrate" env:"YACALL_VIDEO_BITRATE" env-default:"0"`
}

type Video struct {
	Width     int     `yaml:"width" env:"YACALL_VIDEO_WIDTH" env-default:"640"`
	Height    int     `yaml:"height" env:"YACALL_VIDEO_HEIGHT" env-default:"480"`
	FrameRate float32 `yaml:"frame_rate" env:"YACALL_VIDEO_FRAME_RATE" env-default:"30"`
	Facing    string  `yaml:"facing" env:"YACALL_VIDEO_FACING" env-default:"front"`
}

type ICE struct {
	Servers             []string      `yaml:"servers" env:"YACALL_ICE_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout" env:"YACALL_ICE_DISCONNECTED_TIMEOUT" env-default:"30s"`
	FailedTimeout       time.Duration `yaml:"failed_timeout" env:"YACALL_ICE_FAILED_TIMEOUT" env-default:"120s"`
	KeepAlive           time.Duration `yaml:"keepalive" env:"YACALL_ICE_KEEPALIVE" env-default:"2s"`
}

// Load reads path when it exists, then overlays the environment. An empty
// or missing path yields defaults plus environment.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Media.Driver {
	case MediaPion, MediaLoopback:
	default:
		return fmt.Errorf("media.driver: unknown driver %q", c.Media.Driver)
	}
	switch port.Facing(c.Media.Video.Facing) {
	case port.FacingFront, port.FacingEnvironment:
	default:
		return fmt.Errorf("media.video.facing: unknown facing %q", c.Media.Video.Facing)
	}
	if c.Relay.URL == "" {
		return errors.New("relay.url is required")
	}
	return nil
}

// LogLevel returns the configured level; Validate has already checked it.
func (c Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Constraints builds the capture constraints for every call.
func (c Config) Constraints() port.Constraints {
	return port.Constraints{
		Audio:     true,
		Video:     true,
		Facing:    port.Facing(c.Media.Video.Facing),
		Width:     c.Media.Video.Width,
		Height:    c.Media.Video.Height,
		FrameRate: c.Media.Video.FrameRate,
	}
}
