package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice lifecycle status constants
const (
	InvoiceStatusDraft             = "draft"
	InvoiceStatusSent              = "sent"
	InvoiceStatusViewed            = "viewed"
	InvoiceStatusPaid              = "paid"
	InvoiceStatusPartiallyPaid     = "partially_paid"
	InvoiceStatusOverdue           = "overdue"
	InvoiceStatusCancelled         = "cancelled"
	InvoiceStatusRefunded          = "refunded"
	InvoiceStatusPartiallyRefunded = "partially_refunded"
)

// Invoice is the authoritative ledger entry for a billed amount.
// PaidAmount and BalanceDue are mutated only by payment reconciliation;
// item/amount edits are blocked once any payment has been applied.
type Invoice struct {
	ID                uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID            uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_user_invoice_no" json:"user_id"`
	ClientID          *uuid.UUID      `gorm:"type:uuid;index" json:"client_id"`
	Client            *Client         `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	InvoiceNo         string          `gorm:"type:varchar(40);not null;uniqueIndex:idx_user_invoice_no" json:"invoice_no"`
	Status            string          `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	Currency          string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"total_amount"`
	PaidAmount        decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"paid_amount"`
	BalanceDue        decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"balance_due"`
	IssueDate         time.Time       `json:"issue_date"`
	DueDate           time.Time       `json:"due_date"`
	Notes             string          `gorm:"type:text" json:"notes"`
	FallbackNumbering bool            `gorm:"not null;default:false" json:"fallback_numbering"` // number came from the timestamp fallback, not the sequence
	Items             []InvoiceItem   `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"items"`
	SentAt            *time.Time      `json:"sent_at"`
	ViewedAt          *time.Time      `json:"viewed_at"`
	PaidAt            *time.Time      `json:"paid_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// InvoiceItem is a single billed line on an invoice
type InvoiceItem struct {
	ID          uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	InvoiceID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Description string          `gorm:"type:varchar(500);not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:1" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"` // quantity * unit_price
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsOpenForPayment reports whether the invoice can still accept a payment attempt
func (i *Invoice) IsOpenForPayment() bool {
	switch i.Status {
	case InvoiceStatusPaid, InvoiceStatusCancelled, InvoiceStatusRefunded:
		return false
	}
	return true
}
