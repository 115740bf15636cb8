package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"turnguard/internal/config"
)

// StartMQTT subscribes to the device telemetry topics. Devices publish
// submissions to <prefix>/<deviceID>/events; the topic segment fills in
// the device id when the payload omits it.
func StartMQTT(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) (mqtt.Client, error) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil, nil
	}

	clientID := current.ClientID
	if clientID == "" {
		clientID = "turnguard-ingest"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(current.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	if current.Username != "" {
		opts.SetUsername(current.Username)
		opts.SetPassword(current.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	topic := current.TopicPrefix + "/+/events"
	handler := func(_ mqtt.Client, m mqtt.Message) {
		var sub Submission
		if err := json.Unmarshal(m.Payload(), &sub); err != nil {
			if logger != nil {
				logger.Warn("mqtt decode error", "topic", m.Topic(), "err", err)
			}
			return
		}
		if sub.DeviceID == "" {
			sub.DeviceID = deviceFromTopic(m.Topic())
		}
		if _, err := pipeline.Ingest(ctx, sub); err != nil {
			if logger != nil {
				logger.Warn("mqtt ingest rejected", "device_id", sub.DeviceID, "kind", ErrorKind(err), "err", err)
			}
		}
	}
	if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.BrokerURL, "topic", topic)
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return client, nil
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
