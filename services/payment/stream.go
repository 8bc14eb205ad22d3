package payment

import (
	"context"
	"fmt"
)

// Destination is a resolved STREAM counterparty.
type Destination struct {
	Address    string
	AssetCode  string
	AssetScale int
}

// QuoteProbe is what the transport learned about the path before sending.
type QuoteProbe struct {
	LowExchangeRate  float64
	HighExchangeRate float64
	MaxPacketAmount  int64
}

type PayParams struct {
	Destination       Destination
	MaxSourceAmount   int64
	MinDeliveryAmount int64
	MinExchangeRate   float64
	MaxPacketAmount   int64
}

// PayError is the transport's own taxonomy; Retryable decides whether the
// lifecycle retries Sending or cancels the payment.
type PayError struct {
	Code      string
	Retryable bool
}

func (e *PayError) Error() string { return e.Code }

// PayResult reports what actually moved. Err may accompany non-zero amounts
// on partial delivery.
type PayResult struct {
	AmountSent      int64
	AmountDelivered int64
	Err             *PayError
}

// StreamClient is the ILP/STREAM boundary. This core supplies amounts and
// consumes progress; packet framing lives behind this interface. The
// onProgress callback may be invoked concurrently with packet sending and
// must not block.
type StreamClient interface {
	SetupPayment(ctx context.Context, destination string) (*Destination, error)
	StartQuote(ctx context.Context, destination Destination) (*QuoteProbe, error)
	Pay(ctx context.Context, params PayParams, onProgress func(amountSent, amountDelivered int64)) (*PayResult, error)
	CloseConnection(ctx context.Context, destination Destination) error
}

// UnconnectedClient is the default transport when no connector is wired; it
// fails every call so misconfiguration is loud.
type UnconnectedClient struct{}

func (UnconnectedClient) SetupPayment(ctx context.Context, destination string) (*Destination, error) {
	return nil, fmt.Errorf("stream: no transport configured")
}

func (UnconnectedClient) StartQuote(ctx context.Context, destination Destination) (*QuoteProbe, error) {
	return nil, fmt.Errorf("stream: no transport configured")
}

func (UnconnectedClient) Pay(ctx context.Context, params PayParams, onProgress func(int64, int64)) (*PayResult, error) {
	return nil, fmt.Errorf("stream: no transport configured")
}

func (UnconnectedClient) CloseConnection(ctx context.Context, destination Destination) error {
	return nil
}
