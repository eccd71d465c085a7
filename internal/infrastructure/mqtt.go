package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/husam-hammami/hercules-sfms-sub001/config"
	"github.com/sirupsen/logrus"
)

// MessageHandler processes an inbound MQTT message.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTSubscriber bridges an MQTT broker into the service: field gateways that
// publish batches over MQTT instead of HTTP land on the same validation path.
type MQTTSubscriber struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   MessageHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates the bridge. handler receives every message from
// the configured topics.
func NewMQTTSubscriber(cfg config.MQTTConfig, logger *logrus.Logger, handler MessageHandler) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("hercules-sfms-%d", time.Now().UnixNano())
	}

	return &MQTTSubscriber{
		config:  cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the configured topics.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("MQTT subscriber started")
	return nil
}

// Stop gracefully shuts down the subscriber.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.config.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status.
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	for _, topic := range s.config.Topics {
		if token := client.Subscribe(topic, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	s.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler(ctx, topic, payload); err != nil {
		// Rejected batches are dropped; MQTT has no response channel to carry
		// the error taxonomy back, so the gateway learns on its next HTTP sync.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}
