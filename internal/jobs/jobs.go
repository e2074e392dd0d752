package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the job types the engine knows how to execute.
type Kind string

const (
	KindPaymentReminderFirst Kind = "payment_reminder_first"
	KindPaymentReminderFinal Kind = "payment_reminder_final"
	KindPaymentAutoCancel    Kind = "payment_auto_cancel"
	KindBonusNotice          Kind = "bonus_notice"
	KindRestockNotice        Kind = "restock_notice"
	KindAccountTierNotice    Kind = "account_tier_notice"
)

// Kinds lists every known kind, used for stats and validation.
var Kinds = []Kind{
	KindPaymentReminderFirst,
	KindPaymentReminderFinal,
	KindPaymentAutoCancel,
	KindBonusNotice,
	KindRestockNotice,
	KindAccountTierNotice,
}

// PaymentKinds is the escalation triad scheduled for an unpaid order.
// CancelPending operates on this family as a unit.
var PaymentKinds = []Kind{
	KindPaymentReminderFirst,
	KindPaymentReminderFinal,
	KindPaymentAutoCancel,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one durable scheduled action. The payload is a snapshot captured at
// schedule time; executors that need live state must re-read it themselves.
type Job struct {
	ID          string
	Kind        Kind
	TargetID    int64 // order id, product id or user id depending on Kind
	UserID      int64 // recipient
	ScheduledAt time.Time
	Status      Status
	RetryCount  int
	Payload     Payload
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Due reports whether the job should be claimed at the given instant.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}

// ---- Typed payloads ----

// Payload is the kind-specific snapshot a job carries.
// It is a closed set: one struct per payload family.
type Payload interface {
	isPayload()
}

type PaymentPayload struct {
	OrderID int64   `json:"order_id"`
	Total   float64 `json:"total"`
}

func (PaymentPayload) isPayload() {}

type BonusPayload struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

func (BonusPayload) isPayload() {}

type RestockPayload struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
}

func (RestockPayload) isPayload() {}

type TierPayload struct {
	Tier string `json:"tier"`
}

func (TierPayload) isPayload() {}

// EncodePayload serializes p for storage. A nil payload encodes as null.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// DecodePayload restores the typed payload for a job kind. This is the only
// place raw payload bytes are interpreted; everything downstream works with
// concrete structs.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindPaymentReminderFirst, KindPaymentReminderFinal, KindPaymentAutoCancel:
		var p PaymentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindBonusNotice:
		var p BonusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindRestockNotice:
		var p RestockPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindAccountTierNotice:
		var p TierPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}
