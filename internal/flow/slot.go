package flow

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// PendingInfo describes the flow currently held by a gateway.
type PendingInfo struct {
	FlowID      string    `json:"flow_id"`
	Gateway     string    `json:"gateway"`
	Token       Token     `json:"request_code"`
	Method      string    `json:"method"`
	ContainerID string    `json:"container_id"`
	StartedAt   time.Time `json:"started_at"`
}

// pendingSlot holds at most one in-flight request. Guarded by Gateway.mu.
// occupied is true iff done is set and no outcome has been delivered for it.
type pendingSlot struct {
	occupied bool
	gen      uint64
	info     PendingInfo
	done     Completion
	span     trace.Span
}

func (s *pendingSlot) occupy(info PendingInfo, done Completion, span trace.Span) uint64 {
	s.gen++
	s.occupied = true
	s.info = info
	s.done = done
	s.span = span
	return s.gen
}

// take empties the slot and returns what it held.
func (s *pendingSlot) take() pendingSlot {
	p := *s
	s.occupied = false
	s.info = PendingInfo{}
	s.done = nil
	s.span = nil
	return p
}

// takeIf empties the slot only if it still holds occupation gen.
func (s *pendingSlot) takeIf(gen uint64) (pendingSlot, bool) {
	if !s.occupied || s.gen != gen {
		return pendingSlot{}, false
	}
	return s.take(), true
}
