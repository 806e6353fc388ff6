package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
)

// MQTTClient is the part of mqtt.Client the publisher uses.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// ConnectMQTT connects to broker with automatic reconnect enabled.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	logf("connected to MQTT broker %s as %s", broker, clientID)
	return client, nil
}

// MQTTPublisher publishes each camera record to <table>/<stream>.
type MQTTPublisher struct {
	client MQTTClient
	table  string
}

// NewMQTTPublisher publishes through client under table.
func NewMQTTPublisher(client MQTTClient, table string) *MQTTPublisher {
	return &MQTTPublisher{client: client, table: table}
}

// Topic returns the topic for a stream.
func (p *MQTTPublisher) Topic(stream string) string { return p.table + "/" + stream }

// Publish sends one message per stream in key order and waits for each to
// be handed to the broker.
func (p *MQTTPublisher) Publish(ctx context.Context, d Datagram) error {
	streams := make([]string, 0, len(d))
	for s := range d {
		streams = append(streams, s)
	}
	sort.Strings(streams)

	for _, s := range streams {
		payload, err := json.Marshal(d[s])
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", s, err)
		}
		token := p.client.Publish(p.Topic(s), 0, false, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt publish %s: %w", p.Topic(s), err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttQuiesceMillis)
	return nil
}
