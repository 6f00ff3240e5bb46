package service

import (
	"context"
	"fmt"
	"time"

	"invoicepay/internal/gateway"
	"invoicepay/internal/mailer"
	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/internal/websocket"
	"invoicepay/pkg/apperror"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// WebhookService ingests asynchronous gateway push events. It is fully
// independent of the client's verify callback: either path may settle a
// payment first, and the record's conditional status transition makes the
// second application a no-op.
type WebhookService interface {
	// Process handles one delivery. A nil return means the event was
	// acknowledged (including events this system has no record for; failing
	// those would poison the gateway's retry queue). Errors are limited to
	// signature mismatch and malformed payloads.
	Process(ctx context.Context, rawBody []byte, signature string) error
}

type webhookService struct {
	paymentRepo repository.PaymentRepository
	invoiceRepo repository.InvoiceRepository
	txManager   repository.TransactionManager
	gw          gateway.Gateway
	notifier    *paymentNotifier
	feePercent  decimal.Decimal
}

func NewWebhookService(
	paymentRepo repository.PaymentRepository,
	invoiceRepo repository.InvoiceRepository,
	txManager repository.TransactionManager,
	gw gateway.Gateway,
	mail mailer.Mailer,
	hub *websocket.Hub,
) WebhookService {
	return &webhookService{
		paymentRepo: paymentRepo,
		invoiceRepo: invoiceRepo,
		txManager:   txManager,
		gw:          gw,
		notifier:    &paymentNotifier{invoices: invoiceRepo, mail: mail, hub: hub},
		feePercent:  loadFeePercent(),
	}
}

func (s *webhookService) Process(ctx context.Context, rawBody []byte, signature string) error {
	if s.gw.WebhookSecretConfigured() && !s.gw.VerifyWebhookSignature(rawBody, signature) {
		log.Warn().Msg("webhook signature mismatch")
		return apperror.Signature("invalid webhook signature")
	}

	event, err := parseWebhookEvent(rawBody)
	if err != nil {
		return apperror.Validation(err.Error())
	}

	switch ev := event.(type) {
	case CapturedEvent:
		return s.handleCaptured(ctx, ev)
	case FailedEvent:
		return s.handleFailed(ctx, ev)
	case AuthorizedEvent:
		return s.handleAuthorized(ctx, ev)
	case OrderPaidEvent:
		return s.handleOrderPaid(ctx, ev)
	case RefundEvent:
		return s.handleRefund(ctx, ev)
	case UnknownEvent:
		// Well-formed but not an event this system tracks. Acknowledge so the
		// gateway stops retrying; failing here would block the channel for
		// events we do understand.
		log.Info().Str("event", ev.Name).Msg("unrecognized webhook event acknowledged")
		return nil
	default:
		log.Error().Msg("unhandled webhook event variant")
		return nil
	}
}

// findRecord locates a payment record by gateway payment id, falling back to
// the order id; records opened locally have no payment id until settlement.
func (s *webhookService) findRecord(ctx context.Context, paymentID, orderID string) (*model.PaymentRecord, bool) {
	if paymentID != "" {
		if record, err := s.paymentRepo.FindByGatewayPaymentID(ctx, paymentID); err == nil {
			return record, true
		}
	}
	if orderID != "" {
		if record, err := s.paymentRepo.FindByGatewayOrderID(ctx, orderID); err == nil {
			return record, true
		}
	}
	return nil, false
}

func (s *webhookService) handleCaptured(ctx context.Context, ev CapturedEvent) error {
	record, ok := s.findRecord(ctx, ev.PaymentID, ev.OrderID)
	if !ok {
		// Either a payment this system didn't initiate, or the local record
		// hasn't been created yet. The gateway's retry policy covers the
		// latter; neither is a delivery failure.
		log.Info().Str("gateway_payment_id", ev.PaymentID).Msg("captured event has no local record, acknowledged")
		return nil
	}

	if ev.AmountMinor != 0 && ev.AmountMinor != toMinorUnits(record.Amount) {
		log.Warn().Str("gateway_payment_id", ev.PaymentID).
			Int64("webhook_amount", ev.AmountMinor).
			Int64("record_amount", toMinorUnits(record.Amount)).
			Msg("captured amount differs from local record, reconciling with local amount")
	}

	return s.completeAndReconcile(ctx, record, ev.PaymentID)
}

func (s *webhookService) handleFailed(ctx context.Context, ev FailedEvent) error {
	record, ok := s.findRecord(ctx, ev.PaymentID, ev.OrderID)
	if !ok {
		log.Info().Str("gateway_payment_id", ev.PaymentID).Msg("failed event has no local record, acknowledged")
		return nil
	}

	if err := s.paymentRepo.MarkFailed(ctx, record.ID, ev.Reason); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	log.Info().Str("gateway_payment_id", ev.PaymentID).Str("reason", ev.Reason).Msg("payment marked failed")

	// The invoice itself never left its payable status for an open attempt,
	// so there is nothing to roll back, just tell the owner.
	s.notifier.PaymentFailed(record, ev.Reason)
	return nil
}

func (s *webhookService) handleAuthorized(ctx context.Context, ev AuthorizedEvent) error {
	record, ok := s.findRecord(ctx, ev.PaymentID, ev.OrderID)
	if !ok {
		log.Info().Str("gateway_payment_id", ev.PaymentID).Msg("authorized event has no local record, acknowledged")
		return nil
	}

	// Authorization is not settlement: the record advances, the invoice
	// does not move.
	if err := s.paymentRepo.MarkAuthorized(ctx, record.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark payment authorized: %w", err)
	}
	return nil
}

// handleOrderPaid is the secondary settlement path for a missed captured
// event: every record under the order is settled and reconciled.
func (s *webhookService) handleOrderPaid(ctx context.Context, ev OrderPaidEvent) error {
	records, err := s.paymentRepo.FindAllByGatewayOrderID(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load payments for order: %w", err)
	}
	if len(records) == 0 {
		log.Info().Str("gateway_order_id", ev.OrderID).Msg("order.paid event has no local records, acknowledged")
		return nil
	}

	for i := range records {
		record := records[i]
		paymentID := ""
		if record.GatewayPaymentID != nil {
			paymentID = *record.GatewayPaymentID
		}
		if err := s.completeAndReconcile(ctx, &record, paymentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *webhookService) handleRefund(ctx context.Context, ev RefundEvent) error {
	record, ok := s.findRecord(ctx, ev.PaymentID, "")
	if !ok {
		log.Info().Str("gateway_payment_id", ev.PaymentID).Msg("refund event has no local record, acknowledged")
		return nil
	}

	refundAmount := decimal.NewFromInt(ev.AmountMinor).Div(decimal.NewFromInt(100))
	full := refundAmount.GreaterThanOrEqual(record.Amount.Sub(paymentEpsilon))

	invoiceStatus := model.InvoiceStatusPartiallyRefunded
	if full {
		invoiceStatus = model.InvoiceStatusRefunded
	}

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.paymentRepo.RecordRefund(txCtx, record.ID, ev.RefundID, refundAmount, ev.Status); err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		invoice, err := s.invoiceRepo.FindByID(txCtx, record.InvoiceID)
		if err != nil {
			return fmt.Errorf("invoice not found for refund: %w", err)
		}
		invoice.Status = invoiceStatus
		return s.invoiceRepo.Update(txCtx, invoice)
	})
	if err != nil {
		return err
	}

	record.RefundAmount = refundAmount
	log.Info().Str("gateway_payment_id", ev.PaymentID).Str("invoice_status", invoiceStatus).
		Str("refund_amount", refundAmount.StringFixed(2)).Msg("refund recorded")

	s.notifier.InvoiceRefunded(record, invoiceStatus)
	return nil
}

// completeAndReconcile wins (or loses) the record's open→completed
// transition and applies the payment to the invoice exactly once.
func (s *webhookService) completeAndReconcile(ctx context.Context, record *model.PaymentRecord, gatewayPaymentID string) error {
	fee := record.Amount.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(2)
	won, err := s.paymentRepo.MarkCompleted(ctx, record.ID, repository.CompletionUpdate{
		GatewayPaymentID: gatewayPaymentID,
		Fee:              fee,
		NetAmount:        record.Amount.Sub(fee),
		CompletedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to complete payment record: %w", err)
	}
	if !won {
		// The verify callback (or an earlier delivery of this event) already
		// settled it; reconciliation ran there.
		log.Debug().Str("payment_id", record.ID.String()).Msg("payment already settled, webhook is a no-op")
		return nil
	}

	result, err := applyCompletedPayment(ctx, s.txManager, s.invoiceRepo, record)
	if err != nil {
		return err
	}

	log.Info().Str("gateway_order_id", record.GatewayOrderID).
		Str("invoice_status", result.Status).Msg("webhook payment reconciled")

	s.notifier.PaymentReceived(record)
	return nil
}
