// Package config loads the settings of the tripchat binaries from a yaml
// file, the environment and an optional .env file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRIPCHAT"

type Config struct {
	Server struct {
		// URL is the WebSocket endpoint.
		URL string `validate:"required,url"`
		// APIURL is the base of the history and media endpoints.
		APIURL string `mapstructure:"api_url" validate:"required,url"`
	}
	Session struct {
		// Token is the session JWT. Only the connect command needs it.
		Token string
	}
	Timeouts struct {
		Ack           time.Duration `validate:"gt=0"`
		PresenceCheck time.Duration `mapstructure:"presence_check" validate:"gt=0"`
	}
	Presence struct {
		// Interval is how often watched peers are re-checked.
		Interval time.Duration `validate:"gt=0"`
	}
	Reconnect struct {
		Base time.Duration `validate:"gt=0"`
		Max  time.Duration `validate:"gtefield=Base"`
	}
	History struct {
		PageSize int `mapstructure:"page_size" validate:"min=1,max=200"`
	}
	Media struct {
		// MaxBytes rejects larger uploads. Zero disables the check.
		MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=0"`
	}
	Cache struct {
		// SQLiteFile enables the offline history cache when set.
		SQLiteFile string `mapstructure:"sqlite_file"`
	}
	Notify struct {
		// NATSURL enables publishing background notifications when set.
		NATSURL string `mapstructure:"nats_url" validate:"omitempty,url"`
		Subject string `validate:"required"`
	}
	Metrics struct {
		// Addr serves /metrics when set.
		Addr string `validate:"omitempty,hostname_port"`
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=text json"`
	}
	DevServer struct {
		Addr string `validate:"required,hostname_port"`
		// Secret signs the session tokens. It must be base64 encoded. The
		// default is a random 32 byte key.
		Secret         Base64Encoded `validate:"required"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
		// TokenTTL is the lifetime of minted tokens.
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	} `mapstructure:"devserver"`
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("server.url", "ws://localhost:8080/ws")
	v.SetDefault("server.api_url", "http://localhost:8080/api")
	v.SetDefault("session.token", "")
	v.SetDefault("timeouts.ack", "10s")
	v.SetDefault("timeouts.presence_check", "3s")
	v.SetDefault("presence.interval", "30s")
	v.SetDefault("reconnect.base", "500ms")
	v.SetDefault("reconnect.max", "30s")
	v.SetDefault("history.page_size", 20)
	v.SetDefault("media.max_bytes", 25<<20)
	v.SetDefault("cache.sqlite_file", "")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "tripchat.notify")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("devserver.addr", "localhost:8080")
	v.SetDefault("devserver.allowed_origins", "*")
	v.SetDefault("devserver.token_ttl", "24h")

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("devserver.secret", base64.StdEncoding.EncodeToString(secret))
	return nil
}

// Load reads file, or tripchat.yaml in the working directory when file is
// empty, then applies TRIPCHAT_* environment variables on top. A .env file
// in the working directory is loaded into the environment first. A missing
// default config file is not an error.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tripchat")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}
