package paymaster

import "time"

// EventType names a committed state change.
type EventType string

const (
	EventSessionStarted    EventType = "SessionStarted"
	EventPaymentNormalized EventType = "PaymentNormalized"
	EventSessionEnded      EventType = "SessionEnded"
	EventProfitRecorded    EventType = "ProfitRecorded"
)

// Event is an outbox record. ID is assigned by the store and increases
// monotonically; indexers resume from the last ID they saw.
type Event struct {
	ID        int64             `json:"id"`
	Type      EventType         `json:"type"`
	SessionID string            `json:"sessionId"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

func sessionStarted(s *Session, at time.Time) *Event {
	return &Event{
		Type:      EventSessionStarted,
		SessionID: s.ID,
		Payload: map[string]string{
			"sessionId":     s.ID,
			"user":          s.User,
			"paymentToken":  s.PaymentToken,
			"paymentAmount": s.PaymentAmount,
		},
		CreatedAt: at,
	}
}

func paymentNormalized(s *Session, at time.Time) *Event {
	return &Event{
		Type:      EventPaymentNormalized,
		SessionID: s.ID,
		Payload: map[string]string{
			"token":            s.PaymentToken,
			"originalAmount":   s.PaymentAmount,
			"settlementAmount": s.SessionValue,
		},
		CreatedAt: at,
	}
}

func sessionEnded(s *Session, fee, gas string, at time.Time) *Event {
	return &Event{
		Type:      EventSessionEnded,
		SessionID: s.ID,
		Payload: map[string]string{
			"sessionId":        s.ID,
			"user":             s.User,
			"sessionValueUSDT": s.SessionValue,
			"feeUSDT":          fee,
			"gasUsedLGU":       gas,
		},
		CreatedAt: at,
	}
}

func profitRecorded(sessionID, revenue, gasCost string, at time.Time) *Event {
	return &Event{
		Type:      EventProfitRecorded,
		SessionID: sessionID,
		Payload: map[string]string{
			"revenueUSDT": revenue,
			"gasCostUSDT": gasCost,
		},
		CreatedAt: at,
	}
}
