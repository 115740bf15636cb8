package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"turnguard/internal/model"
)

// MQTTTransport publishes commands to <prefix>/<deviceID>/cmd and feeds
// acknowledgements from <prefix>/+/ack back into the dispatcher. It can
// share the MQTT client the ingest side already holds.
type MQTTTransport struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

func NewMQTTTransport(client mqtt.Client, topicPrefix string, logger *slog.Logger) *MQTTTransport {
	return &MQTTTransport{client: client, prefix: topicPrefix, logger: logger}
}

func (t *MQTTTransport) Deliver(ctx context.Context, cmd model.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	topic := t.prefix + "/" + cmd.DeviceID + "/cmd"
	token := t.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// ListenAcks subscribes to the ack topics and routes each ack to the
// dispatcher until ctx is cancelled.
func (t *MQTTTransport) ListenAcks(ctx context.Context, d *Dispatcher) error {
	topic := t.prefix + "/+/ack"
	handler := func(_ mqtt.Client, m mqtt.Message) {
		var ack Ack
		if err := json.Unmarshal(m.Payload(), &ack); err != nil {
			if t.logger != nil {
				t.logger.Warn("ack decode error", "topic", m.Topic(), "err", err)
			}
			return
		}
		if ack.DeviceID == "" {
			parts := strings.Split(m.Topic(), "/")
			if len(parts) >= 2 {
				ack.DeviceID = parts[len(parts)-2]
			}
		}
		d.HandleAck(ctx, ack)
	}
	if token := t.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	go func() {
		<-ctx.Done()
		t.client.Unsubscribe(topic)
	}()
	return nil
}
