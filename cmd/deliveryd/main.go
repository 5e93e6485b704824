package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/adapter/mock"
	"github.com/haventree/carecomms/internal/broadcast"
	"github.com/haventree/carecomms/internal/config"
	"github.com/haventree/carecomms/internal/events"
	"github.com/haventree/carecomms/internal/health"
	"github.com/haventree/carecomms/internal/inbound"
	"github.com/haventree/carecomms/internal/kafka/producer"
	"github.com/haventree/carecomms/internal/logger"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/orchestrator"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/server"
	"github.com/haventree/carecomms/internal/tracker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	var prod *producer.Producer
	if cfg.Kafka.Enabled() {
		prod, err = producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
	}

	trackerOpts := []tracker.Option{}
	if prod != nil {
		if sp := events.NewKafkaStatusPublisher(prod, cfg.Kafka.StatusTopic, log.With().Str("component", "status-publisher").Logger()); sp != nil {
			trackerOpts = append(trackerOpts, tracker.WithStatusPublisher(sp))
		}
		if dp := events.NewKafkaDLQPublisher(prod, cfg.Kafka.DLQTopic, log.With().Str("component", "dlq-publisher").Logger()); dp != nil {
			trackerOpts = append(trackerOpts, tracker.WithDLQPublisher(dp))
		}
	}
	track := tracker.New(log, trackerOpts...)

	reg := registry.New(log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down adapters")
		}
	}()
	if err := registerMockAdapters(ctx, reg, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("failed to register adapters")
	}

	monitor, err := health.New(health.Config{
		Interval:     time.Duration(cfg.Health.PollIntervalSeconds) * time.Second,
		ProbeTimeout: time.Duration(cfg.Health.CheckTimeoutMs) * time.Millisecond,
	}, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise health monitor")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DefaultRetryCount: cfg.Retry.Count,
		BaseBackoff:       time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		UrgentBaseBackoff: time.Duration(cfg.Retry.UrgentBaseBackoffMs) * time.Millisecond,
		AdapterTimeout:    time.Duration(cfg.Retry.AdapterTimeoutMs) * time.Millisecond,
		SweepInterval:     time.Duration(cfg.Scheduler.SweepIntervalMs) * time.Millisecond,
	}, orchestrator.Dependencies{
		Registry: reg,
		Tracker:  track,
		Logger:   log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise orchestrator")
	}

	coord, err := broadcast.New(broadcast.Config{
		Concurrency: cfg.Broadcast.Concurrency,
		Timeout:     time.Duration(cfg.Broadcast.TimeoutSeconds) * time.Second,
	}, broadcast.Dependencies{
		Deliverer: orch,
		Registry:  reg,
		Tracker:   track,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise broadcast coordinator")
	}

	inbox, err := events.NewInboxPublisher(cfg.Inbox.Backend, events.InboxOptions{
		Producer:     prod,
		Topic:        cfg.Kafka.InboxTopic,
		AMQPURL:      cfg.Inbox.AMQPURL,
		AMQPExchange: cfg.Inbox.AMQPExchange,
		AMQPKey:      cfg.Inbox.AMQPKey,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise inbox publisher")
	}
	defer func() {
		if err := inbox.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close inbox publisher")
		}
	}()

	normalizer, err := inbound.New(reg, track, inbox, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise inbound normalizer")
	}

	srv, err := server.New(server.Config{
		Port:        cfg.App.Port,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, server.Dependencies{
		Deliverer:   orch,
		Broadcaster: coord,
		Webhooks:    normalizer,
		Tracker:     track,
		Registry:    reg,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http server")
	}

	go monitor.Run(ctx)
	go orch.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Int("port", cfg.App.Port).
		Str("inbox_backend", cfg.Inbox.Backend).
		Bool("kafka", cfg.Kafka.Enabled()).
		Msg("delivery service started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	}
}

// registerMockAdapters registers one mock adapter per configured channel.
// Production deployments replace these with real platform adapters.
func registerMockAdapters(ctx context.Context, reg *registry.Registry, cfg *config.Config, log zerolog.Logger) error {
	channels := cfg.Adapters.MockChannels
	if len(channels) == 0 {
		channels = []string{string(models.ChannelSMS), string(models.ChannelEmail), string(models.ChannelWhatsApp)}
	}

	for _, raw := range channels {
		channel := models.ChannelType(strings.ToLower(strings.TrimSpace(raw)))
		if channel == "" {
			continue
		}
		adapterID := fmt.Sprintf("mock-%s", channel)
		a := mock.New(channel, log.With().Str("component", adapterID).Logger())
		err := reg.Register(ctx, a, adapter.Configuration{
			AdapterID: adapterID,
			Enabled:   true,
			Settings: adapter.Settings{
				RateLimitPerMinute: cfg.Adapters.RateLimitPerMinute,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("delivery service init failed")
}
