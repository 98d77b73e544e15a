package config

import (
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/WoCha-FR/ocpp-proxy-alert/utility"
)

type Config struct {
	IsDebug  bool   `yaml:"is_debug" env:"IS_DEBUG" env-default:"false"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	TimeZone string `yaml:"time_zone" env:"TIME_ZONE" env-default:"UTC"`
	Listen   struct {
		BindIP   string `yaml:"bind_ip" env:"BIND_IP" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env:"PORT" env-default:"9000"`
		TLS      bool   `yaml:"tls_enabled" env-default:"false"`
		CertFile string `yaml:"cert_file" env-default:""`
		KeyFile  string `yaml:"key_file" env-default:""`
	} `yaml:"listen"`
	PrimaryUrl   string `yaml:"primary_url" env:"PRIMARY_URL"`
	SecondaryUrl string `yaml:"secondary_url" env:"SECONDARY_URL"`
	ForwardAuth  bool   `yaml:"forward_auth" env:"FORWARD_AUTH" env-default:"true"`
	Mongo        struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"localhost"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		Database string `yaml:"database" env-default:"ocpp_proxy"`
	} `yaml:"mongo"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9100"`
	} `yaml:"metrics"`
	Notify struct {
		ProxyConnect       bool `yaml:"proxy_connect" env-default:"true"`
		ProxyDisconnect    bool `yaml:"proxy_disconnect" env-default:"true"`
		UpstreamConnect    bool `yaml:"upstream_connect" env-default:"false"`
		UpstreamDisconnect bool `yaml:"upstream_disconnect" env-default:"true"`
		BootNotification   bool `yaml:"boot_notification" env-default:"false"`
		StatusNotification bool `yaml:"status_notification" env-default:"false"`
		StartTransaction   bool `yaml:"start_transaction" env-default:"false"`
		StopTransaction    bool `yaml:"stop_transaction" env-default:"false"`
	} `yaml:"notify"`
	Email struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:""`
		Port     int    `yaml:"port" env-default:"587"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		From     string `yaml:"from" env-default:""`
		To       string `yaml:"to" env-default:""`
	} `yaml:"email"`
	Pushover struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		AppToken string `yaml:"app_token" env:"PUSHOVER_TOKEN" env-default:""`
		UserKey  string `yaml:"user_key" env:"PUSHOVER_USER" env-default:""`
	} `yaml:"pushover"`
	Telegram struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		ApiKey  string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
	} `yaml:"telegram"`
	Stations []Station `yaml:"stations"`
}

// Station maps a charge point id to a human-readable name used in alerts.
type Station struct {
	Id   string `yaml:"id"`
	Name string `yaml:"name"`
}

var instance *Config
var once sync.Once

func GetConfig() (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config")
		instance = &Config{}
		if err = cleanenv.ReadConfig("config.yml", instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			log.Println(desc)
			log.Println(err)
			instance = nil
			return
		}
		if instance.PrimaryUrl == "" {
			err = utility.Err("missed primary_url parameter in configuration")
			instance = nil
			return
		}
		if instance.LogLevel != "" && !utility.Contains([]string{"error", "warn", "info", "debug"}, instance.LogLevel) {
			log.Printf("unknown log_level %q, using info", instance.LogLevel)
			instance.LogLevel = "info"
		}
	})
	return instance, err
}
