package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"turnguard/internal/alerts"
	"turnguard/internal/api"
	"turnguard/internal/broker"
	"turnguard/internal/command"
	"turnguard/internal/config"
	"turnguard/internal/health"
	"turnguard/internal/ingest"
	"turnguard/internal/logging"
	"turnguard/internal/model"
	"turnguard/internal/registry"
	"turnguard/internal/stats"
	"turnguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting turnguard", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("init storage", "err", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	reg := registry.New(store, logging.Component(logger, "registry"))
	if err := reg.Restore(ctx); err != nil {
		logger.Error("restore registry", "err", err)
		os.Exit(1)
	}

	history := alerts.NewStore(cfg.Alerts.StoreLimit)
	alertEngine := alerts.NewEngine(cfg, logging.Component(logger, "alerts"), history, store, func(id string) model.DeviceClass {
		d, err := reg.Get(id)
		if err != nil {
			return ""
		}
		return d.Class
	})
	if err := alertEngine.Restore(ctx); err != nil {
		logger.Error("restore alerts", "err", err)
		os.Exit(1)
	}

	bk := broker.New(cfg.Broker.SubscriberBuffer, func() broker.Snapshot {
		return broker.Snapshot{
			Devices:    reg.Snapshot(),
			OpenAlerts: alertEngine.OpenAlerts(),
			TakenAt:    time.Now().UTC(),
		}
	}, logging.Component(logger, "broker"))

	pipeline := ingest.NewPipeline(cfg, reg, store, bk, logging.Component(logger, "ingest"))
	if err := pipeline.Restore(ctx); err != nil {
		logger.Error("restore sequences", "err", err)
		os.Exit(1)
	}

	classifier := health.NewClassifier(cfg, reg, logging.Component(logger, "health"))
	aggregator := stats.NewAggregator(cfg, logging.Component(logger, "stats"), store)
	if err := aggregator.Restore(ctx); err != nil {
		logger.Error("restore stat windows", "err", err)
		os.Exit(1)
	}

	mqttClient, err := ingest.StartMQTT(ctx, manager, pipeline, logging.Component(logger, "mqtt"))
	if err != nil {
		logger.Error("mqtt ingest", "err", err)
		os.Exit(1)
	}

	var transport command.Transport
	var mqttTransport *command.MQTTTransport
	if mqttClient != nil {
		mqttTransport = command.NewMQTTTransport(mqttClient, cfg.Ingest.MQTT.TopicPrefix, logging.Component(logger, "command"))
		transport = mqttTransport
	} else {
		transport = command.NewLoopbackTransport()
	}
	dispatcher := command.NewDispatcher(cfg, reg, store, transport, logging.Component(logger, "command"))
	dispatcher.OnMaintenance(classifier)
	dispatcher.OnCondition(alertEngine.HandleCondition)
	dispatcher.OnChange(bk.PublishCommand)
	if mqttTransport != nil {
		if err := mqttTransport.ListenAcks(ctx, dispatcher); err != nil {
			logger.Error("mqtt ack listener", "err", err)
			os.Exit(1)
		}
	}

	classifier.OnTransition(func(tr model.HealthTransition) {
		alertEngine.HandleTransition(tr)
		bk.PublishTransition(tr)
	})
	classifier.OnCondition(alertEngine.HandleCondition)
	aggregator.OnBreach(alertEngine.HandleCondition)
	alertEngine.OnAlert(bk.PublishAlert)

	classifier.Run(ctx, pipeline.ClassifierQueue())
	aggregator.Run(ctx, pipeline.AggregatorQueue())

	ingest.StartREST(ctx, manager, pipeline, logging.Component(logger, "rest"))
	ingest.StartKafka(ctx, manager, pipeline, logging.Component(logger, "kafka"))

	targets := []api.ConfigTarget{pipeline, classifier, aggregator, alertEngine, dispatcher}
	api.Start(ctx, manager, reg, alertEngine, history, aggregator, dispatcher, bk, targets, logging.Component(logger, "api"), version)

	go manager.Watch(3*time.Second, func(next *config.Config) {
		for _, t := range targets {
			t.UpdateConfig(next)
		}
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	<-classifier.Done()
	<-aggregator.Done()
	alertEngine.Close()
	if err := pipeline.Checkpoint(shutdownCtx); err != nil {
		logger.Warn("sequence checkpoint", "err", err)
	}
	logger.Info("stopped")
}
