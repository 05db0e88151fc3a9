package outbox

import (
	"context"
	"encoding/json"
)

// InsertEventInTx marshals payload and stores it as a pending event through q.
func InsertEventInTx(
	ctx context.Context,
	q Querier,
	repo *Repository,
	aggregateType string,
	aggregateID string,
	routingKey string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return repo.InsertEvent(ctx, q, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}
