// Package approval turns "this call needs a human" into an awaited answer
// with bounded wait time.
package approval

import (
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/openclaw/warden/internal/events"
	"github.com/openclaw/warden/internal/security"
)

type pendingEntry struct {
	req security.ApprovalRequest
	ch  chan security.ApprovalDecision
}

// Broker manages outstanding approval requests. Any external surface (CLI,
// chat adapter, gateway) may resolve a request; exactly one resolver wins.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	bus     *events.Bus
	logger  *logging.Logger
}

// NewBroker creates a broker publishing on the given bus.
func NewBroker(bus *events.Bus) *Broker {
	return &Broker{
		pending: make(map[string]*pendingEntry),
		bus:     bus,
		logger:  logging.New().WithComponent("approval"),
	}
}

// Request registers a pending approval and publishes ApprovalRequested.
// The returned channel delivers exactly one decision when resolved; the
// caller is responsible for its own timeout.
func (b *Broker) Request(req security.ApprovalRequest) <-chan security.ApprovalDecision {
	entry := &pendingEntry{req: req, ch: make(chan security.ApprovalDecision, 1)}

	// Register before publishing: a subscriber may call Resolve the moment it
	// sees ApprovalRequested, and must find the entry pending.
	b.mu.Lock()
	b.pending[req.ID] = entry
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:      events.ApprovalRequested,
		SessionID: req.SessionID,
		RequestID: req.ID,
		CallID:    req.CallID,
		Tool:      req.ToolName,
		Tier:      req.Tier.String(),
		Content:   req.InputSummary,
	})

	b.logger.Info("approval requested", map[string]interface{}{
		"request_id": req.ID,
		"tool":       req.ToolName,
		"tier":       req.Tier.String(),
	})
	return entry.ch
}

// Resolve delivers a decision for a pending request. The first resolver wins;
// resolving an unknown or already-resolved request returns false and has no
// effect on the outcome.
func (b *Broker) Resolve(requestID string, decision security.ApprovalDecision) bool {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.bus.Publish(events.Event{
		Type:      events.ApprovalResolved,
		SessionID: entry.req.SessionID,
		RequestID: requestID,
		Approved:  decision.Approved,
		Reason:    decision.Reason,
	})
	b.logger.Info("approval resolved", map[string]interface{}{
		"request_id": requestID,
		"approved":   decision.Approved,
		"timed_out":  decision.TimedOut,
	})

	entry.ch <- decision
	return true
}

// Pending lists outstanding requests, oldest first.
func (b *Broker) Pending() []security.ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqs := make([]security.ApprovalRequest, 0, len(b.pending))
	for _, entry := range b.pending {
		reqs = append(reqs, entry.req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Timestamp.Before(reqs[j].Timestamp) })
	return reqs
}

// FindByPrefix resolves a short ID to a full pending request ID. Returns
// false when no pending ID has the prefix.
func (b *Broker) FindByPrefix(prefix string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.pending {
		if strings.HasPrefix(id, prefix) {
			return id, true
		}
	}
	return "", false
}
