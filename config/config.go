// Package config loads FrameShift node configuration from the
// environment and an optional TOML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// InstanceType selects the node's role in a cluster.
type InstanceType string

const (
	InstanceStandalone InstanceType = "standalone"
	InstanceLeader     InstanceType = "leader"
	InstanceFollower   InstanceType = "follower"
)

// Defaults applied when neither the environment nor the config file
// provides a value.
const (
	DefaultPort          = 3000
	DefaultDatabasePath  = "data/frameshift.db"
	DefaultCheckInterval = 60 * time.Second
	DefaultStaleTimeout  = 5 * time.Minute
	DefaultBlobRetention = 7 * 24 * time.Hour
)

// Config is the fully resolved node configuration.
type Config struct {
	InstanceType InstanceType `mapstructure:"instance_type"`
	Port         int          `mapstructure:"port"`

	// Cluster settings (leader and follower modes)
	SharedToken  string   `mapstructure:"shared_token"`
	FollowerURLs []string `mapstructure:"follower_urls"`
	// CallbackURL is the base URL followers use to reach this leader
	// for progress callbacks. Defaults to http://<hostname>:<port>.
	CallbackURL string `mapstructure:"callback_url"`

	// Media paths
	MediaRoot string `mapstructure:"media_root"` // FRAME_SHIFT_HOME
	UploadDir string `mapstructure:"upload_dir"`
	OutputDir string `mapstructure:"output_dir"`

	// Encoder settings
	FFmpegPath      string `mapstructure:"ffmpeg_path"`
	FFmpegThreads   int    `mapstructure:"ffmpeg_threads"`    // 0 = ffmpeg default
	FFmpegExtraArgs string `mapstructure:"ffmpeg_extra_args"` // shell-quoted, appended to every encode

	// Orchestration tuning
	DatabasePath  string        `mapstructure:"database_path"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
	BlobRetention time.Duration `mapstructure:"blob_retention"`

	LogJSON bool `mapstructure:"log_json"`
}

// Load reads configuration from the environment (and an optional
// config file path) into a Config. Environment variables use the
// historical un-prefixed names (INSTANCE_TYPE, PORT, ...).
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnvVars(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	// FOLLOWER_URLS arrives as a comma-separated string from the
	// environment; viper splits on commas but leaves whitespace and
	// trailing slashes behind.
	cfg.FollowerURLs = splitAndTrim(strings.Join(cfg.FollowerURLs, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_type", string(InstanceStandalone))
	v.SetDefault("port", DefaultPort)
	v.SetDefault("database_path", DefaultDatabasePath)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("check_interval", DefaultCheckInterval)
	v.SetDefault("stale_timeout", DefaultStaleTimeout)
	v.SetDefault("blob_retention", DefaultBlobRetention)
	v.SetDefault("media_root", "/media")
	v.SetDefault("upload_dir", "data/uploads")
	v.SetDefault("output_dir", "")
}

// bindEnvVars maps the historical environment variable names onto
// config keys. AutomaticEnv is not used because the names do not share
// a prefix.
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("instance_type", "INSTANCE_TYPE")
	v.BindEnv("port", "PORT")
	v.BindEnv("shared_token", "SHARED_TOKEN")
	v.BindEnv("follower_urls", "FOLLOWER_URLS")
	v.BindEnv("callback_url", "CALLBACK_URL")
	v.BindEnv("media_root", "FRAME_SHIFT_HOME")
	v.BindEnv("upload_dir", "UPLOAD_DIR")
	v.BindEnv("output_dir", "OUTPUT_DIR")
	v.BindEnv("ffmpeg_path", "FFMPEG_PATH")
	v.BindEnv("ffmpeg_threads", "FFMPEG_THREADS")
	v.BindEnv("ffmpeg_extra_args", "FFMPEG_EXTRA_ARGS")
	v.BindEnv("database_path", "DATABASE_PATH")
	v.BindEnv("log_json", "LOG_JSON")
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	switch c.InstanceType {
	case InstanceStandalone, InstanceLeader, InstanceFollower:
	default:
		return errors.Newf("invalid INSTANCE_TYPE %q (want standalone, leader, or follower)", c.InstanceType)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return errors.Newf("invalid PORT %d", c.Port)
	}

	if c.FFmpegThreads < 0 {
		return errors.Newf("FFMPEG_THREADS must be a positive integer, got %d", c.FFmpegThreads)
	}

	if c.InstanceType == InstanceLeader {
		if len(c.FollowerURLs) == 0 {
			return errors.New("leader mode requires FOLLOWER_URLS")
		}
		if c.SharedToken == "" {
			return errors.New("leader mode requires SHARED_TOKEN")
		}
	}
	if c.InstanceType == InstanceFollower && c.SharedToken == "" {
		return errors.New("follower mode requires SHARED_TOKEN")
	}

	return nil
}

// WorkerID returns the stable worker identity for this node. Followers
// derive theirs from the listen port so a leader can tell them apart.
func (c *Config) WorkerID() string {
	switch c.InstanceType {
	case InstanceFollower:
		return "follower-" + strconv.Itoa(c.Port)
	default:
		return "standalone"
	}
}

// ResolvedCallbackURL returns the base URL followers should POST
// progress callbacks to.
func (c *Config) ResolvedCallbackURL() string {
	if c.CallbackURL != "" {
		return strings.TrimRight(c.CallbackURL, "/")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "http://" + host + ":" + strconv.Itoa(c.Port)
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.TrimRight(trimmed, "/"))
		}
	}
	return out
}
