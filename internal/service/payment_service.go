package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"invoicepay/internal/gateway"
	"invoicepay/internal/mailer"
	"invoicepay/internal/middleware"
	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/internal/websocket"
	"invoicepay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// --- DTOs ---

type CreateOrderRequest struct {
	InvoiceID string `json:"invoice_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency"`
}

// CreateOrderResponse carries everything the browser checkout widget needs
type CreateOrderResponse struct {
	PaymentID      string `json:"payment_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	GatewayKeyID   string `json:"gateway_key_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
}

type VerifyPaymentRequest struct {
	GatewayOrderID   string `json:"gateway_order_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

type VerifyPaymentResponse struct {
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	InvoiceStatus string `json:"invoice_status"`
}

type PaymentRecordResponse struct {
	ID               string  `json:"id"`
	InvoiceID        string  `json:"invoice_id"`
	GatewayOrderID   string  `json:"gateway_order_id"`
	GatewayPaymentID *string `json:"gateway_payment_id"`
	Status           string  `json:"status"`
	Amount           string  `json:"amount"`
	Currency         string  `json:"currency"`
	Fee              string  `json:"fee"`
	NetAmount        string  `json:"net_amount"`
	FailureReason    string  `json:"failure_reason,omitempty"`
	RefundAmount     string  `json:"refund_amount,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// --- Interface ---

type PaymentService interface {
	CreateOrder(ctx context.Context, identity middleware.Identity, req CreateOrderRequest) (CreateOrderResponse, error)
	VerifyPayment(ctx context.Context, identity middleware.Identity, req VerifyPaymentRequest) (VerifyPaymentResponse, error)
	ListInvoicePayments(ctx context.Context, userID uuid.UUID, invoiceID string) ([]PaymentRecordResponse, error)
}

type paymentService struct {
	paymentRepo repository.PaymentRepository
	invoiceRepo repository.InvoiceRepository
	txManager   repository.TransactionManager
	gw          gateway.Gateway
	notifier    *paymentNotifier
	feePercent  decimal.Decimal
}

func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	invoiceRepo repository.InvoiceRepository,
	txManager repository.TransactionManager,
	gw gateway.Gateway,
	mail mailer.Mailer,
	hub *websocket.Hub,
) PaymentService {
	return &paymentService{
		paymentRepo: paymentRepo,
		invoiceRepo: invoiceRepo,
		txManager:   txManager,
		gw:          gw,
		notifier:    &paymentNotifier{invoices: invoiceRepo, mail: mail, hub: hub},
		feePercent:  loadFeePercent(),
	}
}

func loadFeePercent() decimal.Decimal {
	raw := os.Getenv("GATEWAY_FEE_PERCENT")
	if raw == "" {
		return decimal.Zero
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil || pct.IsNegative() {
		log.Warn().Str("value", raw).Msg("invalid GATEWAY_FEE_PERCENT, using 0")
		return decimal.Zero
	}
	return pct
}

// --- Order initiation ---

func (s *paymentService) CreateOrder(ctx context.Context, identity middleware.Identity, req CreateOrderRequest) (CreateOrderResponse, error) {
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		return CreateOrderResponse{}, apperror.NotFound("invoice not found")
	}

	invoice, err := s.invoiceRepo.FindByID(ctx, invoiceID)
	if err != nil {
		return CreateOrderResponse{}, apperror.NotFound("invoice not found")
	}
	// An authenticated caller must own the invoice; answering 404 instead of
	// 403 keeps other tenants' invoice IDs unguessable.
	if !identity.Anonymous && identity.UserID != invoice.UserID {
		return CreateOrderResponse{}, apperror.NotFound("invoice not found")
	}

	if invoice.Status == model.InvoiceStatusPaid {
		return CreateOrderResponse{}, apperror.Conflict("invoice is already paid")
	}
	if !invoice.IsOpenForPayment() {
		return CreateOrderResponse{}, apperror.Conflict("invoice is not open for payment")
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return CreateOrderResponse{}, apperror.Validation("invalid amount")
	}
	if req.Currency != "" && req.Currency != invoice.Currency {
		return CreateOrderResponse{}, apperror.Validation("currency does not match invoice")
	}
	if amount.Sub(invoice.BalanceDue).Abs().GreaterThan(paymentEpsilon) {
		return CreateOrderResponse{}, apperror.Validation("amount does not match the invoice balance")
	}

	// One open attempt per invoice: reuse an existing pending order rather
	// than creating a second gateway order for the same balance. The
	// check-then-create window here is an accepted race; the gateway's own
	// order idempotency backstops it.
	if open, err := s.paymentRepo.FindOpenByInvoice(ctx, invoice.ID); err == nil {
		// Reuse only while the open attempt still matches the balance due.
		// An invoice edit in between leaves the order priced for the old
		// amount, so retire it and raise a fresh one.
		if open.Amount.Sub(amount).Abs().LessThanOrEqual(paymentEpsilon) {
			return CreateOrderResponse{
				PaymentID:      open.ID.String(),
				GatewayOrderID: open.GatewayOrderID,
				GatewayKeyID:   s.gw.KeyID(),
				AmountMinor:    toMinorUnits(open.Amount),
				Currency:       open.Currency,
			}, nil
		}
		if err := s.paymentRepo.MarkCancelled(ctx, open.ID, "superseded by updated invoice amount"); err != nil {
			return CreateOrderResponse{}, fmt.Errorf("failed to cancel stale payment attempt: %w", err)
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return CreateOrderResponse{}, fmt.Errorf("failed to check open payments: %w", err)
	}

	order, err := s.gw.CreateOrder(ctx, gateway.CreateOrderParams{
		AmountMinor: toMinorUnits(amount),
		Currency:    invoice.Currency,
		Receipt:     invoice.InvoiceNo,
		Notes:       map[string]string{"invoice_id": invoice.ID.String()},
	})
	if err != nil {
		// Ambiguous on timeout: the gateway may or may not have an order we
		// never heard about. No local record is created either way; the
		// payer retries and reconciliation picks up whichever order settles.
		log.Error().Err(err).Str("invoice_no", invoice.InvoiceNo).Msg("gateway order creation failed")
		return CreateOrderResponse{}, apperror.External("payment gateway is unavailable, please retry", err)
	}

	ownerID := invoice.UserID
	record := model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &ownerID,
		GatewayOrderID: order.ID,
		Status:         model.PaymentStatusPending,
		Amount:         amount,
		Currency:       invoice.Currency,
	}
	if !identity.Anonymous {
		uid := identity.UserID
		record.UserID = &uid
	}

	if err := s.paymentRepo.Create(ctx, &record); err != nil {
		log.Error().Err(err).Str("gateway_order_id", order.ID).
			Msg("payment record create failed after gateway order was opened, needs manual reconciliation")
		return CreateOrderResponse{}, fmt.Errorf("failed to persist payment record: %w", err)
	}

	log.Info().Str("invoice_no", invoice.InvoiceNo).Str("gateway_order_id", order.ID).
		Str("amount", amount.StringFixed(2)).Msg("payment order opened")

	return CreateOrderResponse{
		PaymentID:      record.ID.String(),
		GatewayOrderID: order.ID,
		GatewayKeyID:   s.gw.KeyID(),
		AmountMinor:    order.AmountMinor,
		Currency:       order.Currency,
	}, nil
}

// --- Verification ---

func (s *paymentService) VerifyPayment(ctx context.Context, identity middleware.Identity, req VerifyPaymentRequest) (VerifyPaymentResponse, error) {
	record, err := s.paymentRepo.FindByGatewayOrderID(ctx, req.GatewayOrderID)
	if err != nil {
		// Could be a stale retry for an order this system never opened; not
		// assumed to be tampering.
		return VerifyPaymentResponse{}, apperror.NotFound("payment could not be verified")
	}

	if !identity.Anonymous && record.UserID != nil && identity.UserID != *record.UserID {
		return VerifyPaymentResponse{}, apperror.NotFound("payment could not be verified")
	}

	// Duplicate callback for a settled payment: succeed without touching the
	// invoice again.
	if record.Status == model.PaymentStatusCompleted {
		invoice, err := s.invoiceRepo.FindByID(ctx, record.InvoiceID)
		if err != nil {
			return VerifyPaymentResponse{}, fmt.Errorf("failed to load invoice: %w", err)
		}
		return VerifyPaymentResponse{
			PaymentID:     record.ID.String(),
			PaymentStatus: record.Status,
			InvoiceStatus: invoice.Status,
		}, nil
	}

	if !s.gw.VerifyPaymentSignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		if err := s.paymentRepo.MarkFailed(ctx, record.ID, "invalid signature"); err != nil {
			log.Error().Err(err).Str("payment_id", record.ID.String()).Msg("failed to record signature failure")
		}
		log.Warn().Str("gateway_order_id", req.GatewayOrderID).Msg("payment verification signature mismatch")
		return VerifyPaymentResponse{}, apperror.Signature("payment could not be verified")
	}

	fee := record.Amount.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(2)
	won, err := s.paymentRepo.MarkCompleted(ctx, record.ID, repository.CompletionUpdate{
		GatewayPaymentID: req.GatewayPaymentID,
		Fee:              fee,
		NetAmount:        record.Amount.Sub(fee),
		CompletedAt:      time.Now(),
	})
	if err != nil {
		return VerifyPaymentResponse{}, fmt.Errorf("failed to complete payment record: %w", err)
	}

	if !won {
		// Losing the conditional update means the record left its open state
		// between our lookup and now. The webhook settling it is the happy
		// case, but a failed or cancelled record produces the same zero
		// row count, so re-read before reporting anything to the payer.
		stored, err := s.paymentRepo.FindByID(ctx, record.ID)
		if err != nil {
			return VerifyPaymentResponse{}, fmt.Errorf("failed to reload payment record: %w", err)
		}
		if stored.Status != model.PaymentStatusCompleted {
			log.Warn().Str("gateway_order_id", record.GatewayOrderID).Str("status", stored.Status).
				Msg("verification raced a non-settling transition")
			return VerifyPaymentResponse{}, apperror.Signature("payment could not be verified")
		}
		invoice, err := s.invoiceRepo.FindByID(ctx, record.InvoiceID)
		if err != nil {
			return VerifyPaymentResponse{}, fmt.Errorf("failed to load invoice: %w", err)
		}
		return VerifyPaymentResponse{
			PaymentID:     record.ID.String(),
			PaymentStatus: model.PaymentStatusCompleted,
			InvoiceStatus: invoice.Status,
		}, nil
	}

	record.Status = model.PaymentStatusCompleted
	record.GatewayPaymentID = &req.GatewayPaymentID

	result, err := applyCompletedPayment(ctx, s.txManager, s.invoiceRepo, record)
	if err != nil {
		return VerifyPaymentResponse{}, err
	}

	log.Info().Str("gateway_order_id", record.GatewayOrderID).
		Str("invoice_status", result.Status).Msg("payment verified and reconciled")

	s.notifier.PaymentReceived(record)

	return VerifyPaymentResponse{
		PaymentID:     record.ID.String(),
		PaymentStatus: model.PaymentStatusCompleted,
		InvoiceStatus: result.Status,
	}, nil
}

func (s *paymentService) ListInvoicePayments(ctx context.Context, userID uuid.UUID, invoiceID string) ([]PaymentRecordResponse, error) {
	id, err := uuid.Parse(invoiceID)
	if err != nil {
		return nil, apperror.NotFound("invoice not found")
	}
	if _, err := s.invoiceRepo.FindByIDForUser(ctx, userID, id); err != nil {
		return nil, apperror.NotFound("invoice not found")
	}

	records, err := s.paymentRepo.ListByInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	result := make([]PaymentRecordResponse, 0, len(records))
	for _, r := range records {
		result = append(result, toPaymentResponse(r))
	}
	return result, nil
}

// --- Helpers ---

// toMinorUnits converts a decimal major-unit amount to the gateway's integer
// minor units.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func toPaymentResponse(r model.PaymentRecord) PaymentRecordResponse {
	resp := PaymentRecordResponse{
		ID:               r.ID.String(),
		InvoiceID:        r.InvoiceID.String(),
		GatewayOrderID:   r.GatewayOrderID,
		GatewayPaymentID: r.GatewayPaymentID,
		Status:           r.Status,
		Amount:           r.Amount.StringFixed(2),
		Currency:         r.Currency,
		Fee:              r.Fee.StringFixed(2),
		NetAmount:        r.NetAmount.StringFixed(2),
		FailureReason:    r.FailureReason,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
	if r.RefundAmount.GreaterThan(decimal.Zero) {
		resp.RefundAmount = r.RefundAmount.StringFixed(2)
	}
	return resp
}
