package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRecord status constants
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
)

// OpenPaymentStatuses are the non-terminal states; at most one record per
// invoice may sit in one of these at a time.
var OpenPaymentStatuses = []string{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusAuthorized,
}

// PaymentRecord is one payment attempt against an invoice. Records are an
// audit trail and are never deleted.
type PaymentRecord struct {
	ID               uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	InvoiceID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Invoice          *Invoice        `gorm:"foreignKey:InvoiceID" json:"-"`
	UserID           *uuid.UUID      `gorm:"type:uuid;index" json:"user_id"` // nil for anonymous/public payments
	GatewayOrderID   string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"gateway_order_id"`
	GatewayPaymentID *string         `gorm:"type:varchar(100);index" json:"gateway_payment_id"` // assigned once the gateway acknowledges
	Status           string          `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Amount           decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	Fee              decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"fee"`
	NetAmount        decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"net_amount"`
	FailureReason    string          `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	RefundID         *string         `gorm:"type:varchar(100)" json:"refund_id,omitempty"`
	RefundAmount     decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"refund_amount"`
	RefundStatus     string          `gorm:"type:varchar(20)" json:"refund_status,omitempty"`
	AuthorizedAt     *time.Time      `json:"authorized_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsOpen reports whether the record is still in a non-terminal state
func (p *PaymentRecord) IsOpen() bool {
	switch p.Status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusAuthorized:
		return true
	}
	return false
}
