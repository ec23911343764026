package mobilemoney

import (
	"context"
	"fmt"
	"sync"
)

// CallbackStatus is the terminal outcome reported by the provider.
type CallbackStatus string

const (
	StatusSuccessful CallbackStatus = "SUCCESSFUL"
	StatusFailed     CallbackStatus = "FAILED"
	// StatusPending means the provider has not settled the payment yet.
	StatusPending CallbackStatus = "PENDING"
)

// Initiation captures the data handed to the provider when a mobile-money
// deposit or withdrawal starts.
type Initiation struct {
	ExternalRef string
	Phone       string
	Amount      int64
	Currency    string
}

// Decision is the provider's synchronous answer to an initiation; settlement
// arrives later via callback.
type Decision struct {
	ProviderTxID string
	Accepted     bool
}

// Gateway is the connector to the external mobile-money provider. The
// provider is treated as unreliable: callbacks may never arrive, so Status
// lets the reconciliation sweep query settlement state directly.
type Gateway interface {
	Initiate(ctx context.Context, in Initiation) (Decision, error)
	Status(ctx context.Context, externalRef string) (CallbackStatus, error)
}

// StaticGateway is a deterministic in-process gateway used in development and
// tests. Every initiation is accepted; settlement state is controlled by the
// test via Settle.
type StaticGateway struct {
	mu       sync.RWMutex
	statuses map[string]CallbackStatus
	seq      int
}

// NewStaticGateway builds an empty static gateway.
func NewStaticGateway() *StaticGateway {
	return &StaticGateway{statuses: make(map[string]CallbackStatus)}
}

// Initiate accepts the request and records it as pending.
func (g *StaticGateway) Initiate(_ context.Context, in Initiation) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.statuses[in.ExternalRef]; !ok {
		g.statuses[in.ExternalRef] = StatusPending
	}
	g.seq++
	return Decision{ProviderTxID: fmt.Sprintf("mm-%06d", g.seq), Accepted: true}, nil
}

// Status reports the recorded settlement state; unknown references are
// pending.
func (g *StaticGateway) Status(_ context.Context, externalRef string) (CallbackStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if status, ok := g.statuses[externalRef]; ok {
		return status, nil
	}
	return StatusPending, nil
}

// Settle fixes the settlement outcome the provider will report.
func (g *StaticGateway) Settle(externalRef string, status CallbackStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[externalRef] = status
}
