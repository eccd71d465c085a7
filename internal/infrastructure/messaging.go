package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/husam-hammami/hercules-sfms-sub001/config"
)

// Messaging delivers validated batches to the downstream processing queue.
type Messaging struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	maxRetries int
	retryDelay time.Duration
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client:     client,
		sender:     sender,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Publish sends a message to the queue, retrying transient failures with a
// linear backoff before giving up.
func (m *Messaging) Publish(ctx context.Context, subject string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &azservicebus.Message{
		Body:    data,
		Subject: &subject,
		ApplicationProperties: map[string]interface{}{
			"timestamp": time.Now().Unix(),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay * time.Duration(attempt)):
			}
		}
		if lastErr = m.sender.SendMessage(ctx, msg, nil); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to send message after %d attempts: %w", m.maxRetries+1, lastErr)
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}
