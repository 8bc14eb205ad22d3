package events

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Task types consumed by the webhook delivery worker (an external
// collaborator of this core).
const (
	PaymentCompletedTask = "payment:completed"
	PaymentCancelledTask = "payment:cancelled"
)

// PaymentEventPayload is the snapshot attached to a terminal payment
// transition.
type PaymentEventPayload struct {
	PaymentID       string    `json:"payment_id"`
	State           string    `json:"state"`
	Error           string    `json:"error,omitempty"`
	AmountSent      int64     `json:"amount_sent"`
	AmountDelivered int64     `json:"amount_delivered"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func NewPaymentTask(taskType string, payload PaymentEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.MaxRetry(10)), nil
}
