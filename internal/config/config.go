package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port              string   `yaml:"port"`
		SendQueue         int      `yaml:"sendQueue"`
		MessagesPerSecond float64  `yaml:"messagesPerSecond"`
		Burst             int      `yaml:"burst"`
		PingInterval      string   `yaml:"pingInterval"`
		AllowedOrigins    []string `yaml:"allowedOrigins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Admin struct {
		Password     string `yaml:"password"`
		PasswordHash string `yaml:"passwordHash"`
	} `yaml:"admin"`
	Auth struct {
		TokenSecret string `yaml:"tokenSecret"`
		TokenTTL    string `yaml:"tokenTTL"`
	} `yaml:"auth"`
	Quiz struct {
		AnswerWindow    string `yaml:"answerWindow"`
		CorrectAward    int    `yaml:"correctAward"`
		TransitionGuard string `yaml:"transitionGuard"`
		AutoAdvance     *bool  `yaml:"autoAdvance"`
		CreateOnJoin    bool   `yaml:"createOnJoin"`
		RetireAfter     string `yaml:"retireAfter"`
	} `yaml:"quiz"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	ProblemBank struct {
		TTL string `yaml:"ttl"`
	} `yaml:"problemBank"`
}

// Load reads YAML config from path, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployments inject secrets and endpoints without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		c.Admin.PasswordHash = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("QUIZ_AUTO_ADVANCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Quiz.AutoAdvance = &b
		}
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// IntOr returns v, or fallback when v is not positive.
func IntOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// BoolOr returns *v, or fallback when unset.
func BoolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
