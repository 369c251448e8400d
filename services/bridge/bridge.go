package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pulsarbridge/bridge"
	"github.com/relabs-tech/pulsarbridge/bridge/deadletter"
	"github.com/relabs-tech/pulsarbridge/bridge/health"
	"github.com/relabs-tech/pulsarbridge/bridge/manager"
	"github.com/relabs-tech/pulsarbridge/bridge/pipeline"
	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/core/csql"
	"github.com/relabs-tech/pulsarbridge/core/logger"
	"github.com/relabs-tech/pulsarbridge/core/registry"
)

// Service holds the configuration for this service
//
// Multi-tenant mode uses the bootstrap credentials against the platform's
// subscription api; single-tenant mode is selected by setting C8Y_TENANT.
type Service struct {
	BaseURL      string `env:"C8Y_BASEURL,required" description:"the base URL of the platform"`
	BrokerURL    string `env:"C8Y_BASEURL_PULSAR,required" description:"the URL of the message broker"`
	BrokerDriver string `env:"BROKER_DRIVER,default=pulsar" description:"the broker driver: pulsar, kafka or sqs"`

	BootstrapTenant   string `env:"C8Y_BOOTSTRAP_TENANT" description:"bootstrap tenant for multi-tenant mode"`
	BootstrapUser     string `env:"C8Y_BOOTSTRAP_USER" description:"bootstrap user for multi-tenant mode"`
	BootstrapPassword string `env:"C8Y_BOOTSTRAP_PASSWORD" description:"bootstrap password for multi-tenant mode"`

	Tenant   string `env:"C8Y_TENANT" description:"tenant id for single-tenant mode"`
	User     string `env:"C8Y_USER" description:"user for single-tenant mode"`
	Password string `env:"C8Y_PASSWORD" description:"password for single-tenant mode"`

	TopicPattern  string `env:"TOPIC_PATTERN,default=persistent://{tenant}/mqtt/from-device" description:"the subscription topic, {tenant} is substituted"`
	TopicFilter   string `env:"TOPIC_FILTER,default=mytopic" description:"only messages with this topic property are processed"`
	FailurePolicy string `env:"FAILURE_POLICY,default=nack" description:"what to do with messages that fail resolve or ingest: nack or drop"`

	PollInterval    time.Duration `env:"TENANT_POLL_INTERVAL,default=10s" description:"tenant discovery poll interval"`
	StartupDelay    time.Duration `env:"TENANT_STARTUP_DELAY,default=2s" description:"debounce delay for newly discovered tenants"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" description:"grace period for ordered shutdown"`

	HealthPort int    `env:"HEALTH_PORT,default=80" description:"the port of the health endpoint"`
	LogLevel   string `env:"LOG_LEVEL,default=info" description:"the log level"`

	Postgres         string `env:"POSTGRES" description:"optional postgres connection string for the persistent device cache"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=pulsarbridge" description:"the postgres schema"`
	DeadLetterBucket string `env:"DEADLETTER_S3_BUCKET" description:"optional S3 bucket for dropped payloads"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)
	log := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source platform.TenantSource
	if service.Tenant != "" {
		source = platform.StaticSource{Creds: platform.Credentials{
			Tenant:   service.Tenant,
			Username: service.User,
			Password: service.Password,
		}}
		log.Infof("single-tenant mode for tenant '%s'", service.Tenant)
	} else {
		source = platform.NewSubscriptionSource(service.BaseURL, platform.Credentials{
			Tenant:   service.BootstrapTenant,
			Username: service.BootstrapUser,
			Password: service.BootstrapPassword,
		})
	}

	var store *registry.Registry
	if service.Postgres != "" {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		defer db.Close()
		r := registry.New(db)
		store = &r
	}

	var archive *deadletter.Archive
	if service.DeadLetterBucket != "" {
		archive, err = deadletter.New(ctx, service.DeadLetterBucket)
		if err != nil {
			log.WithError(err).Fatal("cannot create dead letter archive")
		}
	}

	open := func(tenant string) manager.Pipeline {
		p := pipeline.New(pipeline.Config{
			Tenant:          tenant,
			PlatformBaseURL: service.BaseURL,
			BrokerURL:       service.BrokerURL,
			BrokerDriver:    service.BrokerDriver,
			TopicPattern:    service.TopicPattern,
			TopicFilter:     service.TopicFilter,
			FailurePolicy:   pipeline.Policy(service.FailurePolicy),
		})
		if store != nil {
			p.WithStore(store)
		}
		if archive != nil {
			p.WithDeadLetter(archive)
		}
		return p
	}

	mgr := manager.New(source, open, manager.Config{
		PollInterval: service.PollInterval,
		StartupDelay: service.StartupDelay,
		CloseTimeout: service.ShutdownTimeout,
	})

	status := &health.Status{}
	router := mux.NewRouter()
	health.AddRoutes(router, status)
	go func() {
		addr := fmt.Sprintf(":%d", service.HealthPort)
		log.Infof("health endpoint on %s", addr)
		if err := http.ListenAndServe(addr, handlers.CombinedLoggingHandler(os.Stdout, router)); err != nil {
			log.WithError(err).Error("health endpoint terminated")
		}
	}()

	if err := bridge.New(mgr, status, service.ShutdownTimeout).Run(ctx); err != nil {
		log.WithError(err).Fatal("bridge failed to start")
	}
}
