package service

import (
	"context"
	"sync"
	"time"

	"invoicepay/internal/gateway"
	"invoicepay/internal/model"
	"invoicepay/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// In-memory repository fakes. They mirror the database semantics the
// services lean on, in particular MarkCompleted's conditional transition.

type fakeTxManager struct{}

func (fakeTxManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

type fakeInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*model.Invoice
}

func newFakeInvoiceRepo(invoices ...*model.Invoice) *fakeInvoiceRepo {
	r := &fakeInvoiceRepo{invoices: make(map[uuid.UUID]*model.Invoice)}
	for _, inv := range invoices {
		r.invoices[inv.ID] = inv
	}
	return r
}

func (r *fakeInvoiceRepo) Create(ctx context.Context, invoice *model.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	for _, existing := range r.invoices {
		if existing.UserID == invoice.UserID && existing.InvoiceNo == invoice.InvoiceNo {
			return gorm.ErrDuplicatedKey
		}
	}
	cp := *invoice
	r.invoices[invoice.ID] = &cp
	return nil
}

func (r *fakeInvoiceRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeInvoiceRepo) FindByIDForUser(ctx context.Context, userID, id uuid.UUID) (*model.Invoice, error) {
	inv, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return inv, nil
}

func (r *fakeInvoiceRepo) FindByIDWithItems(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return r.FindByID(ctx, id)
}

func (r *fakeInvoiceRepo) List(ctx context.Context, userID uuid.UUID, filter repository.InvoiceListFilter) ([]model.Invoice, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Invoice
	for _, inv := range r.invoices {
		if inv.UserID == userID && (filter.Status == "" || inv.Status == filter.Status) {
			out = append(out, *inv)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeInvoiceRepo) Update(ctx context.Context, invoice *model.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *invoice
	// Mirror gorm Save association semantics: new item rows are inserted,
	// existing rows for the invoice are never deleted here.
	if existing, ok := r.invoices[invoice.ID]; ok && len(existing.Items) > 0 {
		cp.Items = append(append([]model.InvoiceItem{}, existing.Items...), invoice.Items...)
	}
	r.invoices[invoice.ID] = &cp
	return nil
}

func (r *fakeInvoiceRepo) DeleteItems(ctx context.Context, invoiceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv, ok := r.invoices[invoiceID]; ok {
		inv.Items = nil
	}
	return nil
}

func (r *fakeInvoiceRepo) MaxInvoiceNo(ctx context.Context, userID uuid.UUID, prefix string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := ""
	for _, inv := range r.invoices {
		if inv.UserID != userID || inv.FallbackNumbering {
			continue
		}
		if len(inv.InvoiceNo) < len(prefix) || inv.InvoiceNo[:len(prefix)] != prefix {
			continue
		}
		// Length-then-value ordering, mirroring the repository query, so
		// suffixes past the zero padding still compare numerically.
		if len(inv.InvoiceNo) > len(max) || (len(inv.InvoiceNo) == len(max) && inv.InvoiceNo > max) {
			max = inv.InvoiceNo
		}
	}
	return max, nil
}

func (r *fakeInvoiceRepo) UpdatePaymentState(ctx context.Context, id uuid.UUID, state repository.PaymentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	inv.Status = state.Status
	inv.PaidAmount = state.PaidAmount
	inv.BalanceDue = state.BalanceDue
	if state.PaidAt != nil {
		inv.PaidAt = state.PaidAt
	}
	return nil
}

func (r *fakeInvoiceRepo) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok || inv.Status != model.InvoiceStatusDraft {
		return gorm.ErrRecordNotFound
	}
	inv.Status = model.InvoiceStatusSent
	inv.SentAt = &at
	return nil
}

func (r *fakeInvoiceRepo) MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv, ok := r.invoices[id]; ok && inv.Status == model.InvoiceStatusSent {
		inv.Status = model.InvoiceStatusViewed
		inv.ViewedAt = &at
	}
	return nil
}

func (r *fakeInvoiceRepo) MarkOverdue(ctx context.Context, userID uuid.UUID, asOf time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.UserID != userID {
			continue
		}
		if (inv.Status == model.InvoiceStatusSent || inv.Status == model.InvoiceStatusViewed) && inv.DueDate.Before(asOf) {
			inv.Status = model.InvoiceStatusOverdue
		}
	}
	return nil
}

type fakePaymentRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*model.PaymentRecord
}

func newFakePaymentRepo(records ...*model.PaymentRecord) *fakePaymentRepo {
	r := &fakePaymentRepo{records: make(map[uuid.UUID]*model.PaymentRecord)}
	for _, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		r.records[rec.ID] = rec
	}
	return r
}

func (r *fakePaymentRepo) Create(ctx context.Context, record *model.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakePaymentRepo) FindByGatewayOrderID(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.GatewayOrderID == orderID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePaymentRepo) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.GatewayPaymentID != nil && *rec.GatewayPaymentID == paymentID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePaymentRepo) FindAllByGatewayOrderID(ctx context.Context, orderID string) ([]model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PaymentRecord
	for _, rec := range r.records {
		if rec.GatewayOrderID == orderID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) FindOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) (*model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.InvoiceID == invoiceID && rec.IsOpen() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePaymentRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]model.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PaymentRecord
	for _, rec := range r.records {
		if rec.InvoiceID == invoiceID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// MarkCompleted mimics the conditional UPDATE: only an open record
// transitions, and the caller learns whether it won.
func (r *fakePaymentRepo) MarkCompleted(ctx context.Context, id uuid.UUID, update repository.CompletionUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !rec.IsOpen() {
		return false, nil
	}
	rec.Status = model.PaymentStatusCompleted
	rec.GatewayPaymentID = &update.GatewayPaymentID
	rec.Fee = update.Fee
	rec.NetAmount = update.NetAmount
	completedAt := update.CompletedAt
	rec.CompletedAt = &completedAt
	return true, nil
}

func (r *fakePaymentRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.IsOpen() {
		rec.Status = model.PaymentStatusFailed
		rec.FailureReason = reason
	}
	return nil
}

func (r *fakePaymentRepo) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.IsOpen() {
		rec.Status = model.PaymentStatusCancelled
		rec.FailureReason = reason
	}
	return nil
}

func (r *fakePaymentRepo) MarkAuthorized(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.Status == model.PaymentStatusPending {
		rec.Status = model.PaymentStatusAuthorized
		rec.AuthorizedAt = &at
	}
	return nil
}

func (r *fakePaymentRepo) RecordRefund(ctx context.Context, id uuid.UUID, refundID string, amount decimal.Decimal, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	rec.RefundID = &refundID
	rec.RefundAmount = amount
	rec.RefundStatus = status
	if amount.GreaterThanOrEqual(rec.Amount) {
		rec.Status = model.PaymentStatusRefunded
	}
	return nil
}

// fakeGateway verifies signatures the same way the real client does, against
// fixed test secrets.
type fakeGateway struct {
	secret        string
	webhookSecret string
	orders        int
	failOrders    bool
}

func (g *fakeGateway) CreateOrder(ctx context.Context, params gateway.CreateOrderParams) (*gateway.Order, error) {
	if g.failOrders {
		return nil, context.DeadlineExceeded
	}
	g.orders++
	return &gateway.Order{
		ID:          "order_test_" + uuid.NewString()[:8],
		AmountMinor: params.AmountMinor,
		Currency:    params.Currency,
		Status:      "created",
	}, nil
}

func (g *fakeGateway) KeyID() string { return "key_test" }

func (g *fakeGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return gateway.VerifyPaymentSignature(orderID, paymentID, signature, g.secret)
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return gateway.VerifyWebhookSignature(body, signature, g.webhookSecret)
}

func (g *fakeGateway) WebhookSecretConfigured() bool { return g.webhookSecret != "" }

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMailer) Send(to, templateName string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, templateName)
	return nil
}
