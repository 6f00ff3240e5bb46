package repository

import (
	"context"
	"time"

	"invoicepay/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CompletionUpdate carries the fields stamped when a payment settles.
type CompletionUpdate struct {
	GatewayPaymentID string
	Fee              decimal.Decimal
	NetAmount        decimal.Decimal
	CompletedAt      time.Time
}

type PaymentRepository interface {
	Create(ctx context.Context, record *model.PaymentRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error)
	FindByGatewayOrderID(ctx context.Context, orderID string) (*model.PaymentRecord, error)
	FindByGatewayPaymentID(ctx context.Context, paymentID string) (*model.PaymentRecord, error)
	FindAllByGatewayOrderID(ctx context.Context, orderID string) ([]model.PaymentRecord, error)
	FindOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) (*model.PaymentRecord, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]model.PaymentRecord, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, update CompletionUpdate) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error
	MarkAuthorized(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordRefund(ctx context.Context, id uuid.UUID, refundID string, amount decimal.Decimal, status string) error
}

type paymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, record *model.PaymentRecord) error {
	return GetDB(ctx, r.db).Create(record).Error
}

func (r *paymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	if err := GetDB(ctx, r.db).First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *paymentRepository) FindByGatewayOrderID(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	if err := GetDB(ctx, r.db).First(&record, "gateway_order_id = ?", orderID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *paymentRepository) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	if err := GetDB(ctx, r.db).First(&record, "gateway_payment_id = ?", paymentID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *paymentRepository) FindAllByGatewayOrderID(ctx context.Context, orderID string) ([]model.PaymentRecord, error) {
	var records []model.PaymentRecord
	if err := GetDB(ctx, r.db).Where("gateway_order_id = ?", orderID).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// FindOpenByInvoice returns the invoice's non-terminal payment record, or
// gorm.ErrRecordNotFound when none is open.
func (r *paymentRepository) FindOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := GetDB(ctx, r.db).
		Where("invoice_id = ? AND status IN ?", invoiceID, model.OpenPaymentStatuses).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *paymentRepository) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]model.PaymentRecord, error) {
	var records []model.PaymentRecord
	if err := GetDB(ctx, r.db).Where("invoice_id = ?", invoiceID).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// MarkCompleted transitions a record to completed only if it is still in a
// non-terminal state, reporting whether this call won the transition. The
// affected-row check is the idempotency guard for reconciliation: whichever
// of the verify callback or the webhook gets here second sees false and must
// not apply the payment to the invoice again.
func (r *paymentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, update CompletionUpdate) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.PaymentRecord{}).
		Where("id = ? AND status IN ?", id, model.OpenPaymentStatuses).
		Updates(map[string]interface{}{
			"status":             model.PaymentStatusCompleted,
			"gateway_payment_id": update.GatewayPaymentID,
			"fee":                update.Fee,
			"net_amount":         update.NetAmount,
			"completed_at":       update.CompletedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return GetDB(ctx, r.db).Model(&model.PaymentRecord{}).
		Where("id = ? AND status IN ?", id, model.OpenPaymentStatuses).
		Updates(map[string]interface{}{
			"status":         model.PaymentStatusFailed,
			"failure_reason": reason,
		}).Error
}

// MarkCancelled retires an open attempt, for example when the invoice
// balance changed underneath it. Settled records are left alone.
func (r *paymentRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	return GetDB(ctx, r.db).Model(&model.PaymentRecord{}).
		Where("id = ? AND status IN ?", id, model.OpenPaymentStatuses).
		Updates(map[string]interface{}{
			"status":         model.PaymentStatusCancelled,
			"failure_reason": reason,
		}).Error
}

func (r *paymentRepository) MarkAuthorized(ctx context.Context, id uuid.UUID, at time.Time) error {
	return GetDB(ctx, r.db).Model(&model.PaymentRecord{}).
		Where("id = ? AND status = ?", id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":        model.PaymentStatusAuthorized,
			"authorized_at": at,
		}).Error
}

func (r *paymentRepository) RecordRefund(ctx context.Context, id uuid.UUID, refundID string, amount decimal.Decimal, status string) error {
	return GetDB(ctx, r.db).Model(&model.PaymentRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.PaymentStatusRefunded,
			"refund_id":     refundID,
			"refund_amount": amount,
			"refund_status": status,
		}).Error
}
