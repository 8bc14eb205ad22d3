package payment

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type State string

const (
	StateInactive  State = "INACTIVE"
	StateReady     State = "READY"
	StateFunding   State = "FUNDING"
	StateSending   State = "SENDING"
	StateCancelled State = "CANCELLED"
	StateCompleted State = "COMPLETED"
)

func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// Intent is fixed at creation: exactly one of AmountToSend (fixed-send) or
// AmountToDeliver (fixed-delivery) is set.
type Intent struct {
	Destination     string `json:"destination"`
	AmountToSend    *int64 `json:"amount_to_send,omitempty"`
	AmountToDeliver *int64 `json:"amount_to_deliver,omitempty"`
	AutoApprove     bool   `json:"auto_approve"`
}

// Quote bounds one payment attempt. Sending must respect MaxSourceAmount and
// MinDeliveryAmount; ActivationDeadline is re-checked on every state entry
// because wall-clock time elapses across retries.
type Quote struct {
	Timestamp                time.Time `json:"timestamp"`
	ActivationDeadline       time.Time `json:"activation_deadline"`
	MaxSourceAmount          int64     `json:"max_source_amount"`
	MinDeliveryAmount        int64     `json:"min_delivery_amount"`
	MaxPacketAmount          int64     `json:"max_packet_amount"`
	LowExchangeRateEstimate  float64   `json:"low_exchange_rate_estimate"`
	HighExchangeRateEstimate float64   `json:"high_exchange_rate_estimate"`
}

// OutgoingPayment rows are created once and only mutated by the lifecycle's
// transactional transitions; terminal rows are never deleted. AutoApprove
// and QuoteDeadline are denormalized from the intent/quote blobs so the
// poller's eligibility query can see them.
type OutgoingPayment struct {
	ID                 string         `gorm:"column:id;primaryKey;type:char(26)"`
	State              string         `gorm:"column:state;index;type:varchar(20);not null"`
	StateAttempts      int            `gorm:"column:state_attempts;not null;default:0"`
	Error              *string        `gorm:"column:error;type:text"`
	SourceAccountID    string         `gorm:"column:source_account_id;index;type:char(26);not null"`
	AccountID          string         `gorm:"column:account_id;type:char(26);not null"`
	DestinationAccount string         `gorm:"column:destination_account;type:text;not null"`
	AutoApprove        bool           `gorm:"column:auto_approve;not null;default:false"`
	WithdrawLiquidity  bool           `gorm:"column:withdraw_liquidity;index;not null;default:false"`
	QuoteDeadline      *time.Time     `gorm:"column:quote_deadline"`
	Intent             datatypes.JSON `gorm:"column:intent"`
	Quote              datatypes.JSON `gorm:"column:quote"`
	CreatedAt          time.Time      `gorm:"autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime;index"`
}

func (OutgoingPayment) TableName() string { return "outgoing_payments" }

func (p *OutgoingPayment) DecodeIntent() (Intent, error) {
	var in Intent
	err := json.Unmarshal(p.Intent, &in)
	return in, err
}

func (p *OutgoingPayment) DecodeQuote() (*Quote, error) {
	if len(p.Quote) == 0 {
		return nil, nil
	}
	var q Quote
	if err := json.Unmarshal(p.Quote, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Progress accumulates amounts across send attempts. Updates merge with
// max(old, new) per field so out-of-order writes from the debounced sender
// cannot move it backwards.
type Progress struct {
	PaymentID       string    `gorm:"column:payment_id;primaryKey;type:char(26)"`
	AmountSent      int64     `gorm:"column:amount_sent;not null;default:0"`
	AmountDelivered int64     `gorm:"column:amount_delivered;not null;default:0"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Progress) TableName() string { return "payment_progress" }
