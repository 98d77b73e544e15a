package proxy

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/mailer"
	"github.com/WoCha-FR/ocpp-proxy-alert/metrics"
	"github.com/WoCha-FR/ocpp-proxy-alert/notifier"
	"github.com/WoCha-FR/ocpp-proxy-alert/pushover"
	"github.com/WoCha-FR/ocpp-proxy-alert/telegram"
)

const (
	primaryName   = "PRI"
	secondaryName = "SEC"
)

// System wires configuration, logging, notification channels and the
// listener together and owns the process lifecycle.
type System struct {
	conf   *config.Config
	log    *internal.Logger
	server *Server
}

func NewSystem() (*System, error) {
	conf, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}

	logService := internal.NewLogger(location)
	logService.SetLevel(internal.ParseLevel(conf.LogLevel))
	logService.SetDebugMode(conf.IsDebug)

	var database internal.Database
	if conf.Mongo.Enabled {
		mongo, err := internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		database = mongo
		logService.SetDatabase(database)
		log.Println("mongodb journal is configured and enabled")
	}

	alerts := notifier.New(conf, logService)
	alerts.SetDatabase(database)
	if conf.Email.Enabled {
		alerts.AddSender(mailer.NewMailer(conf))
		log.Println("email channel is configured and enabled")
	}
	if conf.Pushover.Enabled {
		sender, err := pushover.NewClient(conf)
		if err != nil {
			return nil, fmt.Errorf("pushover setup failed: %s", err)
		}
		alerts.AddSender(sender)
		log.Println("pushover channel is configured and enabled")
	}
	if conf.Telegram.Enabled {
		bot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		bot.Start()
		alerts.AddSender(bot)
		log.Println("telegram bot is configured and enabled")
	}
	alerts.Start()

	upstreams := []Upstream{
		{Name: primaryName, BaseUrl: normalizeBaseUrl(conf.PrimaryUrl)},
	}
	if conf.SecondaryUrl != "" {
		upstreams = append(upstreams, Upstream{Name: secondaryName, BaseUrl: normalizeBaseUrl(conf.SecondaryUrl)})
	}

	system := &System{
		conf:   conf,
		log:    logService,
		server: NewServer(conf, upstreams, logService, alerts),
	}
	return system, nil
}

// normalizeBaseUrl makes sure the client id can be appended directly.
func normalizeBaseUrl(url string) string {
	if strings.HasSuffix(url, "/") {
		return url
	}
	return url + "/"
}

// Start runs the listener until a termination signal arrives or the server
// fails. Metrics are served on their own port when enabled.
func (sys *System) Start() error {
	go func() {
		if err := metrics.Listen(sys.conf); err != nil {
			sys.log.Error("metrics server failed", err)
		}
	}()

	failure := make(chan error, 1)
	go func() {
		failure <- sys.server.Start()
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-failure:
		return err
	case sig := <-interrupt:
		sys.log.FeatureEvent("Shutdown", "", fmt.Sprintf("received %s, closing sessions", sig))
		sys.server.Shutdown()
		return nil
	}
}
