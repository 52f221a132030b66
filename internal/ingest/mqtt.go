package ingest

import (
	"context"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

// StartMQTT subscribes to the configured topic; every message carries one
// reading or an array of readings as JSON.
func StartMQTT(ctx context.Context, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) error {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(current.ClientID)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	s := newSink(cfg, out, logger, "mqtt")
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.handleFrom(ctx, string(msg.Payload()), origin{consumerID: topicConsumer(current.Topic, msg.Topic())})
	}
	// Resubscribe after every reconnect; a clean session drops subscriptions.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(current.Topic, current.QoS, handler); token.Wait() && token.Error() != nil {
			if logger != nil {
				logger.Error("mqtt subscribe failed", zap.String("topic", current.Topic), zap.Error(token.Error()))
			}
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return apperr.Wrapf(token.Error(), "connect to mqtt broker %s", current.Broker)
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", zap.String("broker", current.Broker), zap.String("topic", current.Topic))
	}
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return nil
}

// topicConsumer returns the numeric topic level matched by the first
// single-level wildcard of filter, so wearables/+/readings maps
// wearables/42/readings to consumer 42.
func topicConsumer(filter, topic string) string {
	want := strings.Split(filter, "/")
	got := strings.Split(topic, "/")
	for i, level := range want {
		if i >= len(got) {
			return ""
		}
		if level == "+" {
			if _, err := strconv.ParseInt(got[i], 10, 64); err == nil {
				return got[i]
			}
			return ""
		}
	}
	return ""
}
