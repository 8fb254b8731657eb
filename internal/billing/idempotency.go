package billing

import (
	"strconv"

	"github.com/google/uuid"
)

// GatewayOperation names a mutating billing gateway call.
type GatewayOperation string

const (
	OpCancelImmediately GatewayOperation = "cancel_immediately"
	OpCancelAtPeriodEnd GatewayOperation = "cancel_at_period_end"
	OpResume            GatewayOperation = "resume"
	OpCheckout          GatewayOperation = "checkout"
)

var idempotencyNamespace = uuid.MustParse("8f4c4d0e-5a7e-4b7b-9b55-2f0d3a1c6e21")

// IdempotencyKey derives a stable key for a gateway mutation from the local
// subscription id, the record version the action was decided on, the
// operation and a discriminator (the remote reference or target tier).
// Retrying the same intended operation against the same record version yields
// the same key, so the gateway collapses duplicates. Every saved change bumps
// the version, so a later request for the same operation gets a new key.
func IdempotencyKey(subscriptionID string, version int64, op GatewayOperation, discriminator string) string {
	name := subscriptionID + "|v" + strconv.FormatInt(version, 10) + "|" + string(op) + "|" + discriminator
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
