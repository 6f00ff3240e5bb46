package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"invoicepay/internal/middleware"
	"invoicepay/internal/model"
	"invoicepay/internal/websocket"
	"invoicepay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedBody(paymentID, orderID string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":%d}}}}`,
		paymentID, orderID, amountMinor))
}

func newTestWebhookService(invoices *fakeInvoiceRepo, payments *fakePaymentRepo) *webhookService {
	return &webhookService{
		paymentRepo: payments,
		invoiceRepo: invoices,
		txManager:   fakeTxManager{},
		gw:          &fakeGateway{secret: testGatewaySecret, webhookSecret: testWebhookSecret},
		notifier:    &paymentNotifier{invoices: invoices, mail: &fakeMailer{}, hub: websocket.NewHub()},
		feePercent:  decimal.Zero,
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc := newTestWebhookService(newFakeInvoiceRepo(), newFakePaymentRepo())
	body := capturedBody("pay_1", "order_1", 10000)

	err := svc.Process(context.Background(), body, "deadbeef")
	assert.Equal(t, apperror.KindSignature, apperror.KindOf(err))

	err = svc.Process(context.Background(), body, "")
	assert.Equal(t, apperror.KindSignature, apperror.KindOf(err))
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	svc := newTestWebhookService(newFakeInvoiceRepo(), newFakePaymentRepo())

	body := []byte(`{not json`)
	err := svc.Process(context.Background(), body, signWebhook(body))
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	body = []byte(`{"payload":{}}`)
	err = svc.Process(context.Background(), body, signWebhook(body))
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err), "missing event name")
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	svc := newTestWebhookService(newFakeInvoiceRepo(), newFakePaymentRepo())

	body := []byte(`{"event":"subscription.activated","payload":{}}`)
	assert.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))
}

func TestWebhookCapturedSettlesBeforeVerify(t *testing.T) {
	// The gateway's push can arrive before the browser's verify callback.
	// The record has no gateway payment id yet, so the order-id fallback
	// must find it.
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)
	svc := newTestWebhookService(invoices, payments)

	body := capturedBody("pay_1", "order_1", 10000)
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

	settled, _ := payments.FindByID(context.Background(), record.ID)
	assert.Equal(t, model.PaymentStatusCompleted, settled.Status)
	require.NotNil(t, settled.GatewayPaymentID)
	assert.Equal(t, "pay_1", *settled.GatewayPaymentID)

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.Equal(t, model.InvoiceStatusPaid, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(dec("100.00")))
}

func TestWebhookAfterVerifyDoesNotDoubleReconcile(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)

	paySvc := newTestPaymentService(invoices, payments, &fakeGateway{secret: testGatewaySecret})
	_, err := paySvc.VerifyPayment(context.Background(), middleware.AnonymousIdentity(), VerifyPaymentRequest{
		GatewayOrderID:   "order_1",
		GatewayPaymentID: "pay_1",
		Signature:        signPayment("order_1", "pay_1"),
	})
	require.NoError(t, err)

	// The same capture then arrives over the webhook channel.
	whSvc := newTestWebhookService(invoices, payments)
	body := capturedBody("pay_1", "order_1", 10000)
	require.NoError(t, whSvc.Process(context.Background(), body, signWebhook(body)))

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.True(t, inv.PaidAmount.Equal(dec("100.00")), "paid amount must not double")
	assert.Equal(t, model.InvoiceStatusPaid, inv.Status)
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)
	svc := newTestWebhookService(invoices, payments)

	body := capturedBody("pay_1", "order_1", 10000)
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.True(t, inv.PaidAmount.Equal(dec("100.00")))
}

func TestWebhookCapturedUnknownPaymentAcknowledged(t *testing.T) {
	svc := newTestWebhookService(newFakeInvoiceRepo(), newFakePaymentRepo())

	body := capturedBody("pay_unknown", "order_unknown", 5000)
	assert.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))
}

func TestWebhookFailedMarksRecord(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)
	svc := newTestWebhookService(invoices, payments)

	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","error_description":"card declined"}}}}`)
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

	failed, _ := payments.FindByID(context.Background(), record.ID)
	assert.Equal(t, model.PaymentStatusFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailureReason)

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.Equal(t, model.InvoiceStatusSent, inv.Status, "a failed attempt leaves the invoice payable")
}

func TestWebhookAuthorizedDoesNotMoveInvoice(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)
	svc := newTestWebhookService(invoices, payments)

	body := []byte(`{"event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1"}}}}`)
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

	rec, _ := payments.FindByID(context.Background(), record.ID)
	assert.Equal(t, model.PaymentStatusAuthorized, rec.Status)
	assert.NotNil(t, rec.AuthorizedAt)

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.True(t, inv.PaidAmount.IsZero())
	assert.Equal(t, model.InvoiceStatusSent, inv.Status)
}

func TestWebhookOrderPaidSettlesMissedCapture(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	record := &model.PaymentRecord{
		InvoiceID:      invoice.ID,
		UserID:         &userID,
		GatewayOrderID: "order_1",
		Status:         model.PaymentStatusPending,
		Amount:         dec("100.00"),
		Currency:       "USD",
	}
	invoices := newFakeInvoiceRepo(invoice)
	payments := newFakePaymentRepo(record)
	svc := newTestWebhookService(invoices, payments)

	body := []byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_1"}}}}`)
	require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

	inv, _ := invoices.FindByID(context.Background(), invoice.ID)
	assert.Equal(t, model.InvoiceStatusPaid, inv.Status)
}

func TestWebhookRefund(t *testing.T) {
	userID := uuid.New()
	payID := "pay_1"

	t.Run("full refund", func(t *testing.T) {
		invoice := openInvoice(userID, "100.00")
		invoice.Status = model.InvoiceStatusPaid
		invoice.PaidAmount = dec("100.00")
		invoice.BalanceDue = decimal.Zero
		record := &model.PaymentRecord{
			InvoiceID:        invoice.ID,
			UserID:           &userID,
			GatewayOrderID:   "order_1",
			GatewayPaymentID: &payID,
			Status:           model.PaymentStatusCompleted,
			Amount:           dec("100.00"),
			Currency:         "USD",
		}
		invoices := newFakeInvoiceRepo(invoice)
		payments := newFakePaymentRepo(record)
		svc := newTestWebhookService(invoices, payments)

		body := []byte(`{"event":"refund.created","payload":{"refund":{"entity":{"id":"rfnd_1","payment_id":"pay_1","amount":10000,"status":"processed"}}}}`)
		require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

		inv, _ := invoices.FindByID(context.Background(), invoice.ID)
		assert.Equal(t, model.InvoiceStatusRefunded, inv.Status)

		rec, _ := payments.FindByID(context.Background(), record.ID)
		assert.True(t, rec.RefundAmount.Equal(dec("100.00")))
		require.NotNil(t, rec.RefundID)
		assert.Equal(t, "rfnd_1", *rec.RefundID)
	})

	t.Run("partial refund", func(t *testing.T) {
		invoice := openInvoice(userID, "100.00")
		invoice.Status = model.InvoiceStatusPaid
		invoice.PaidAmount = dec("100.00")
		invoice.BalanceDue = decimal.Zero
		record := &model.PaymentRecord{
			InvoiceID:        invoice.ID,
			UserID:           &userID,
			GatewayOrderID:   "order_1",
			GatewayPaymentID: &payID,
			Status:           model.PaymentStatusCompleted,
			Amount:           dec("100.00"),
			Currency:         "USD",
		}
		invoices := newFakeInvoiceRepo(invoice)
		payments := newFakePaymentRepo(record)
		svc := newTestWebhookService(invoices, payments)

		body := []byte(`{"event":"refund.created","payload":{"refund":{"entity":{"id":"rfnd_2","payment_id":"pay_1","amount":4000,"status":"processed"}}}}`)
		require.NoError(t, svc.Process(context.Background(), body, signWebhook(body)))

		inv, _ := invoices.FindByID(context.Background(), invoice.ID)
		assert.Equal(t, model.InvoiceStatusPartiallyRefunded, inv.Status)

		rec, _ := payments.FindByID(context.Background(), record.ID)
		assert.True(t, rec.RefundAmount.Equal(dec("40.00")))
	})
}
