// internal/core/registry.go
package core

// Services bundles the domain services handed to the API layer.
type Services struct {
	Activation *ActivationService
	Tokens     *TokenService
	Gateways   *GatewayService
	Ingestion  *IngestionService
	Commands   *CommandService
}
