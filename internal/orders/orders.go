// Package orders holds the read-mostly view of the storefront's order rows
// that the notification engine consumes. The surrounding commerce system owns
// the rows and serializes status writes; the engine only reads them and, for
// auto-cancel, performs one status transition through the same store API.
package orders

import "time"

type Status string

const (
	StatusUnpaid     Status = "unpaid"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusOverdue    Status = "overdue"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPaid, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded, StatusOverdue:
		return true
	}
	return false
}

// Order is the engine's snapshot of one storefront order.
//
// UserID doubles as the customer's Telegram chat id: the storefront registers
// users through the bot, so the private-chat id and the user id coincide.
type Order struct {
	ID             int64
	UserID         int64
	Status         Status
	Total          float64
	TrackingNumber string
	// LastMessageID is the id of the most recent customer-facing message for
	// this order. It is retracted (best-effort) before the next one is sent.
	// Zero means no message has been sent yet.
	LastMessageID int
	PaidAt        *time.Time
	ShippedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusUpdate carries the optional fields written together with a status
// transition.
type StatusUpdate struct {
	TrackingNumber *string
	PaidAt         *time.Time
	ShippedAt      *time.Time
}
