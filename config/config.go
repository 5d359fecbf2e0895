// fetchd/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE"`

	// FilesRoot is the directory holding the files/<userId>/<requestId> tree.
	FilesRoot   string `mapstructure:"FILES_ROOT"`
	DatabaseDSN string `mapstructure:"DATABASE_DSN"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`

	QueueName        string `mapstructure:"QUEUE_NAME"`
	QueueConcurrency int    `mapstructure:"QUEUE_CONCURRENCY"`

	AuthEnable bool `mapstructure:"AUTH_ENABLE"`

	// ExtractorCommand is the argv template for the external media extraction
	// tool, parsed with shlex. URL and output options are appended at fetch time.
	ExtractorCommand string        `mapstructure:"EXTRACTOR_COMMAND"`
	ExtractorTimeout time.Duration `mapstructure:"EXTRACTOR_TIMEOUT"`

	TorrentURL          string        `mapstructure:"TORRENT_URL"`
	TorrentUser         string        `mapstructure:"TORRENT_USER"`
	TorrentPassword     string        `mapstructure:"TORRENT_PASSWORD"`
	TorrentPollInterval time.Duration `mapstructure:"TORRENT_POLL_INTERVAL"`

	PageLoadTimeout time.Duration `mapstructure:"PAGE_LOAD_TIMEOUT"`

	// AttachmentThreshold is the served-file size above which downloads are
	// forced via a content-disposition attachment header.
	AttachmentThreshold int64 `mapstructure:"ATTACHMENT_THRESHOLD"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("FILES_ROOT", ".")
	vp.SetDefault("DATABASE_DSN", "file:fetchd.db")
	vp.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	vp.SetDefault("QUEUE_NAME", "requests")
	vp.SetDefault("QUEUE_CONCURRENCY", 4)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("EXTRACTOR_COMMAND", "yt-dlp")
	vp.SetDefault("EXTRACTOR_TIMEOUT", "30m")
	vp.SetDefault("TORRENT_URL", "http://127.0.0.1:8001")
	vp.SetDefault("TORRENT_USER", "admin")
	vp.SetDefault("TORRENT_PASSWORD", "adminadmin")
	vp.SetDefault("TORRENT_POLL_INTERVAL", "5s")
	vp.SetDefault("PAGE_LOAD_TIMEOUT", "30s")
	vp.SetDefault("ATTACHMENT_THRESHOLD", "5MB")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	// Load from config file
	vp.SetConfigName("fetchd_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/fetchd/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("FETCHD")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
