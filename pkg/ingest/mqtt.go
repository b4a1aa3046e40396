package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/config"
)

// MQTTConsumer subscribes to per-patient vitals topics published by bedside
// and wearable devices. Topics follow "<prefix>/<patientId>/vitals"; the
// topic segment is authoritative for the patient ID because broker ACLs are
// scoped per device.
type MQTTConsumer struct {
	client    mqtt.Client
	processor *Processor
	topic     string
}

func StartMQTT(cfg *config.MQTTConfig, processor *Processor) (*MQTTConsumer, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c := &MQTTConsumer{
		client:    client,
		processor: processor,
		topic:     fmt.Sprintf("%s/+/vitals", strings.TrimSuffix(cfg.TopicPrefix, "/")),
	}

	if token := client.Subscribe(c.topic, byte(cfg.QOS), c.handleMessage); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", c.topic, token.Error())
	}

	logrus.Infof("MQTT consumer subscribed to %s on %s", c.topic, cfg.Broker)
	return c, nil
}

func (c *MQTTConsumer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := DecodeReading(msg.Payload())
	if err != nil {
		logrus.Warnf("Dropping malformed MQTT reading on %s: %v", msg.Topic(), err)
		return
	}
	if patientID := patientFromTopic(msg.Topic()); patientID != "" {
		reading.PatientID = patientID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.processor.Process(ctx, reading, msg.Payload()); err != nil {
		logrus.Warnf("Dropping MQTT reading on %s: %v", msg.Topic(), err)
	}
}

// patientFromTopic extracts the patient segment from "<prefix>/<patientId>/vitals".
func patientFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "vitals" {
		return ""
	}
	return parts[len(parts)-2]
}

func (c *MQTTConsumer) Close() {
	c.client.Unsubscribe(c.topic)
	c.client.Disconnect(250)
}
