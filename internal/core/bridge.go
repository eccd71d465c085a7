// internal/core/bridge.go
package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// mqttEnvelope is the payload gateways publish over the MQTT bridge. The
// session token rides inside the envelope because MQTT has no per-message
// authorization header.
type mqttEnvelope struct {
	Token string    `json:"token"`
	Batch DataBatch `json:"batch"`
}

// MQTTIngestHandler returns the message handler that feeds MQTT-published
// batches through the same token and revocation checks as the HTTP endpoint.
func MQTTIngestHandler(tokens *TokenService, gateways *GatewayService, ingestion *IngestionService, logger *logrus.Logger) func(ctx context.Context, topic string, payload []byte) error {
	return func(ctx context.Context, topic string, payload []byte) error {
		var env mqttEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("malformed bridge payload: %w", err)
		}

		claims, err := tokens.Verify(env.Token)
		if err != nil {
			return fmt.Errorf("bridge payload rejected: %w", err)
		}

		gw, err := gateways.Authorize(ctx, claims.GatewayUID)
		if err != nil {
			return fmt.Errorf("bridge payload for gateway %s rejected: %w", claims.GatewayUID, err)
		}

		accepted, err := ingestion.Ingest(ctx, gw, &env.Batch)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"gateway_uid": gw.GatewayUID,
			"topic":       topic,
			"samples":     accepted,
		}).Debug("MQTT batch accepted")
		return nil
	}
}
