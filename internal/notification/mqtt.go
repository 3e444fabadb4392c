package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSink publishes notifications for ward displays to
// <prefix>/hospitals/<id>/referrals.
type MQTTSink struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// MQTTOptions holds broker settings for NewMQTTClient.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewMQTTClient connects a paho client with automatic reconnects.
func NewMQTTClient(o MQTTOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", o.Broker, err)
	}
	return client, nil
}

// NewMQTTSink wraps a connected client. Messages use QoS 1 and are not retained.
func NewMQTTSink(client mqtt.Client, prefix string) *MQTTSink {
	if prefix == "" {
		prefix = "referrals"
	}
	return &MQTTSink{client: client, prefix: prefix, qos: 1, timeout: 5 * time.Second}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic of a hospital.
func (s *MQTTSink) Topic(hospitalID string) string {
	return fmt.Sprintf("%s/hospitals/%s/referrals", s.prefix, hospitalID)
}

func (s *MQTTSink) Forward(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	for _, recipient := range msg.Recipients {
		token := s.client.Publish(s.Topic(recipient), s.qos, false, data)
		if !token.WaitTimeout(s.timeout) {
			return fmt.Errorf("mqtt publish to %s timed out", recipient)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish to %s: %w", recipient, err)
		}
	}
	return nil
}
