package repository

import (
	"context"
	"time"

	"invoicepay/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvoiceListFilter struct {
	Status string
	Page   int
	Limit  int
}

// PaymentState is the reconciliation-owned slice of an invoice row.
type PaymentState struct {
	Status     string
	PaidAmount decimal.Decimal
	BalanceDue decimal.Decimal
	PaidAt     *time.Time
}

type InvoiceRepository interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	FindByIDForUser(ctx context.Context, userID, id uuid.UUID) (*model.Invoice, error)
	FindByIDWithItems(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	List(ctx context.Context, userID uuid.UUID, filter InvoiceListFilter) ([]model.Invoice, int64, error)
	Update(ctx context.Context, invoice *model.Invoice) error
	DeleteItems(ctx context.Context, invoiceID uuid.UUID) error
	MaxInvoiceNo(ctx context.Context, userID uuid.UUID, prefix string) (string, error)
	UpdatePaymentState(ctx context.Context, id uuid.UUID, state PaymentState) error
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOverdue(ctx context.Context, userID uuid.UUID, asOf time.Time) error
}

type invoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	return GetDB(ctx, r.db).Create(invoice).Error
}

func (r *invoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := GetDB(ctx, r.db).First(&invoice, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) FindByIDForUser(ctx context.Context, userID, id uuid.UUID) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := GetDB(ctx, r.db).First(&invoice, "user_id = ? AND id = ?", userID, id).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) FindByIDWithItems(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := GetDB(ctx, r.db).
		Preload("Items").
		Preload("Client").
		First(&invoice, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) List(ctx context.Context, userID uuid.UUID, filter InvoiceListFilter) ([]model.Invoice, int64, error) {
	var invoices []model.Invoice
	var total int64

	db := GetDB(ctx, r.db)
	query := db.Model(&model.Invoice{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	fetchQuery := db.Preload("Items").Preload("Client").Where("user_id = ?", userID)
	if filter.Status != "" {
		fetchQuery = fetchQuery.Where("status = ?", filter.Status)
	}
	if err := fetchQuery.Order("created_at DESC").Offset(offset).Limit(filter.Limit).Find(&invoices).Error; err != nil {
		return nil, 0, err
	}

	return invoices, total, nil
}

func (r *invoiceRepository) Update(ctx context.Context, invoice *model.Invoice) error {
	return GetDB(ctx, r.db).Save(invoice).Error
}

// DeleteItems removes all line items of an invoice. Save only upserts
// associations, so item replacement must clear the old rows first.
func (r *invoiceRepository) DeleteItems(ctx context.Context, invoiceID uuid.UUID) error {
	return GetDB(ctx, r.db).Where("invoice_id = ?", invoiceID).Delete(&model.InvoiceItem{}).Error
}

// MaxInvoiceNo returns the highest invoice number with the given prefix for
// the user, or "" when none exist yet. Ordering by length before value keeps
// the comparison numeric once suffixes outgrow the zero padding (999 → 1000).
func (r *invoiceRepository) MaxInvoiceNo(ctx context.Context, userID uuid.UUID, prefix string) (string, error) {
	var invoice model.Invoice
	err := GetDB(ctx, r.db).
		Where("user_id = ? AND invoice_no LIKE ? AND fallback_numbering = false", userID, prefix+"%").
		Order("length(invoice_no) DESC, invoice_no DESC").
		First(&invoice).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return invoice.InvoiceNo, nil
}

func (r *invoiceRepository) UpdatePaymentState(ctx context.Context, id uuid.UUID, state PaymentState) error {
	updates := map[string]interface{}{
		"status":      state.Status,
		"paid_amount": state.PaidAmount,
		"balance_due": state.BalanceDue,
	}
	if state.PaidAt != nil {
		updates["paid_at"] = state.PaidAt
	}
	return GetDB(ctx, r.db).Model(&model.Invoice{}).Where("id = ?", id).Updates(updates).Error
}

func (r *invoiceRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return GetDB(ctx, r.db).Model(&model.Invoice{}).
		Where("id = ? AND status = ?", id, model.InvoiceStatusDraft).
		Updates(map[string]interface{}{"status": model.InvoiceStatusSent, "sent_at": at}).Error
}

func (r *invoiceRepository) MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return GetDB(ctx, r.db).Model(&model.Invoice{}).
		Where("id = ? AND status = ?", id, model.InvoiceStatusSent).
		Updates(map[string]interface{}{"status": model.InvoiceStatusViewed, "viewed_at": at}).Error
}

func (r *invoiceRepository) MarkOverdue(ctx context.Context, userID uuid.UUID, asOf time.Time) error {
	return GetDB(ctx, r.db).Model(&model.Invoice{}).
		Where("user_id = ? AND status IN ? AND due_date < ?",
			userID, []string{model.InvoiceStatusSent, model.InvoiceStatusViewed}, asOf).
		Update("status", model.InvoiceStatusOverdue).Error
}
