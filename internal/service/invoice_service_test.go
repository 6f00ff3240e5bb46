package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClientRepo struct {
	clients map[uuid.UUID]*model.Client
}

func newFakeClientRepo(clients ...*model.Client) *fakeClientRepo {
	r := &fakeClientRepo{clients: make(map[uuid.UUID]*model.Client)}
	for _, c := range clients {
		r.clients[c.ID] = c
	}
	return r
}

func (r *fakeClientRepo) Create(ctx context.Context, client *model.Client) error {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	r.clients[client.ID] = client
	return nil
}

func (r *fakeClientRepo) Update(ctx context.Context, client *model.Client) error {
	r.clients[client.ID] = client
	return nil
}

func (r *fakeClientRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	delete(r.clients, id)
	return nil
}

func (r *fakeClientRepo) FindByID(ctx context.Context, userID, id uuid.UUID) (*model.Client, error) {
	c, ok := r.clients[id]
	if !ok || c.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (r *fakeClientRepo) List(ctx context.Context, userID uuid.UUID, search string, page, limit int) ([]model.Client, int64, error) {
	var out []model.Client
	for _, c := range r.clients {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, int64(len(out)), nil
}

// collidingInvoiceRepo rejects the first n non-fallback creates with a
// duplicate-key error, simulating concurrent writers winning the race.
type collidingInvoiceRepo struct {
	*fakeInvoiceRepo
	rejections int
}

func (r *collidingInvoiceRepo) Create(ctx context.Context, invoice *model.Invoice) error {
	if !invoice.FallbackNumbering && r.rejections > 0 {
		r.rejections--
		return gorm.ErrDuplicatedKey
	}
	return r.fakeInvoiceRepo.Create(ctx, invoice)
}

func newTestInvoiceService(invoices repository.InvoiceRepository, clients repository.ClientRepository) *invoiceService {
	return &invoiceService{
		invoiceRepo: invoices,
		clientRepo:  clients,
		txManager:   fakeTxManager{},
		mail:        &fakeMailer{},
		allocator:   sequenceAllocator{invoices: invoices},
		payPageBase: "http://localhost:5173",
	}
}

func createReq(clientID uuid.UUID) CreateInvoiceRequest {
	return CreateInvoiceRequest{
		ClientID: clientID.String(),
		DueDate:  time.Now().AddDate(0, 1, 0).Format("2006-01-02"),
		Items: []InvoiceItemRequest{
			{Description: "Consulting", Quantity: "2", UnitPrice: "125.00"},
		},
	}
}

func TestCreateInvoiceSequentialNumbers(t *testing.T) {
	userID := uuid.New()
	client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme", Email: "billing@acme.test"}
	invoices := newFakeInvoiceRepo()
	svc := newTestInvoiceService(invoices, newFakeClientRepo(client))

	year := time.Now().Year()

	first, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("INV-%d-001", year), first.InvoiceNo)
	assert.Equal(t, model.InvoiceStatusDraft, first.Status)
	assert.Equal(t, "250.00", first.TotalAmount)
	assert.Equal(t, "250.00", first.BalanceDue)

	second, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("INV-%d-002", year), second.InvoiceNo)
}

func TestCreateInvoiceSequencesArePerUser(t *testing.T) {
	invoices := newFakeInvoiceRepo()
	year := time.Now().Year()

	for i := 0; i < 2; i++ {
		userID := uuid.New()
		client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme"}
		svc := newTestInvoiceService(invoices, newFakeClientRepo(client))

		inv, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("INV-%d-001", year), inv.InvoiceNo, "each user starts a fresh sequence")
	}
}

func TestCreateInvoiceRetriesOnCollision(t *testing.T) {
	userID := uuid.New()
	client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme"}
	invoices := &collidingInvoiceRepo{fakeInvoiceRepo: newFakeInvoiceRepo(), rejections: 3}
	svc := newTestInvoiceService(invoices, newFakeClientRepo(client))

	inv, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("INV-%d-004", time.Now().Year()), inv.InvoiceNo, "three losses advance to the fourth candidate")
	assert.False(t, inv.FallbackNumbering)
}

func TestCreateInvoiceFallsBackAfterExhaustion(t *testing.T) {
	userID := uuid.New()
	client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme"}
	invoices := &collidingInvoiceRepo{fakeInvoiceRepo: newFakeInvoiceRepo(), rejections: invoiceNoAttempts}
	svc := newTestInvoiceService(invoices, newFakeClientRepo(client))

	inv, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err, "creation must not fail when the sequence is contended")
	assert.True(t, inv.FallbackNumbering)
	assert.True(t, strings.HasPrefix(inv.InvoiceNo, fmt.Sprintf("INV-%d-T", time.Now().Year())), "fallback number %s", inv.InvoiceNo)
}

func TestSequenceSkipsFallbackAndUnparseableNumbers(t *testing.T) {
	userID := uuid.New()
	year := time.Now().Year()
	invoices := newFakeInvoiceRepo(
		&model.Invoice{ID: uuid.New(), UserID: userID, InvoiceNo: fmt.Sprintf("INV-%d-007", year)},
		&model.Invoice{ID: uuid.New(), UserID: userID, InvoiceNo: fmt.Sprintf("INV-%d-T1756500000000", year), FallbackNumbering: true},
	)
	alloc := sequenceAllocator{invoices: invoices}

	suffix, err := alloc.nextSuffix(context.Background(), userID, year)
	require.NoError(t, err)
	assert.Equal(t, 7, suffix, "fallback numbers never feed the sequence")

	// A manually imported, unparseable number restarts the sequence; the
	// uniqueness constraint still protects against reissue.
	other := uuid.New()
	invoices2 := newFakeInvoiceRepo(
		&model.Invoice{ID: uuid.New(), UserID: other, InvoiceNo: fmt.Sprintf("INV-%d-LEGACY", year)},
	)
	alloc2 := sequenceAllocator{invoices: invoices2}
	suffix, err = alloc2.nextSuffix(context.Background(), other, year)
	require.NoError(t, err)
	assert.Equal(t, 0, suffix)
}

func TestSequenceContinuesPastZeroPadding(t *testing.T) {
	userID := uuid.New()
	year := time.Now().Year()
	invoices := newFakeInvoiceRepo(
		&model.Invoice{ID: uuid.New(), UserID: userID, InvoiceNo: fmt.Sprintf("INV-%d-999", year)},
		&model.Invoice{ID: uuid.New(), UserID: userID, InvoiceNo: fmt.Sprintf("INV-%d-1000", year)},
	)
	alloc := sequenceAllocator{invoices: invoices}

	// "999" compares above "1000" as a string; the suffix must still be
	// read numerically once it outgrows the padding.
	suffix, err := alloc.nextSuffix(context.Background(), userID, year)
	require.NoError(t, err)
	assert.Equal(t, 1000, suffix)

	client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme"}
	svc := newTestInvoiceService(invoices, newFakeClientRepo(client))
	inv, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("INV-%d-1001", year), inv.InvoiceNo)
	assert.False(t, inv.FallbackNumbering, "a free sequence number never triggers the fallback")
}

func TestUpdateInvoiceReplacesItems(t *testing.T) {
	userID := uuid.New()
	client := &model.Client{ID: uuid.New(), UserID: userID, Name: "Acme"}
	invoices := newFakeInvoiceRepo()
	svc := newTestInvoiceService(invoices, newFakeClientRepo(client))

	created, err := svc.CreateInvoice(context.Background(), userID, createReq(client.ID))
	require.NoError(t, err)
	require.Equal(t, "250.00", created.TotalAmount)

	updated, err := svc.UpdateInvoice(context.Background(), userID, created.ID, UpdateInvoiceRequest{
		Items: []InvoiceItemRequest{
			{Description: "Design retainer", Quantity: "1", UnitPrice: "400.00"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "400.00", updated.TotalAmount)
	assert.Equal(t, "400.00", updated.BalanceDue)
	require.Len(t, updated.Items, 1, "old line items must be replaced, not kept alongside")
	assert.Equal(t, "Design retainer", updated.Items[0].Description)

	invoiceID, err := uuid.Parse(created.ID)
	require.NoError(t, err)
	stored, err := invoices.FindByIDWithItems(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.TotalAmount.Equal(dec("400.00")))
}

func TestUpdateInvoiceBlockedOncePaid(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	invoice.PaidAmount = dec("40.00")
	invoice.BalanceDue = dec("60.00")
	invoice.Status = model.InvoiceStatusPartiallyPaid
	svc := newTestInvoiceService(newFakeInvoiceRepo(invoice), newFakeClientRepo())

	notes := "updated"
	_, err := svc.UpdateInvoice(context.Background(), userID, invoice.ID.String(), UpdateInvoiceRequest{Notes: &notes})
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestCancelInvoice(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	invoices := newFakeInvoiceRepo(invoice)
	svc := newTestInvoiceService(invoices, newFakeClientRepo())

	resp, err := svc.CancelInvoice(context.Background(), userID, invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusCancelled, resp.Status)

	// A partially paid invoice cannot be cancelled.
	paid := openInvoice(userID, "100.00")
	paid.PaidAmount = dec("50.00")
	require.NoError(t, invoices.Update(context.Background(), paid))
	_, err = svc.CancelInvoice(context.Background(), userID, paid.ID.String())
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestGetInvoiceHidesOtherTenants(t *testing.T) {
	owner := uuid.New()
	invoice := openInvoice(owner, "100.00")
	svc := newTestInvoiceService(newFakeInvoiceRepo(invoice), newFakeClientRepo())

	_, err := svc.GetInvoice(context.Background(), uuid.New(), invoice.ID.String())
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err), "foreign invoices look like missing invoices")
}

func TestGetPublicInvoice(t *testing.T) {
	userID := uuid.New()
	invoice := openInvoice(userID, "100.00")
	invoices := newFakeInvoiceRepo(invoice)
	svc := newTestInvoiceService(invoices, newFakeClientRepo())

	resp, err := svc.GetPublicInvoice(context.Background(), invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusViewed, resp.Status, "first public view flips sent to viewed")
	assert.Equal(t, "100.00", resp.BalanceDue)

	// Repeat views stay viewed.
	resp, err = svc.GetPublicInvoice(context.Background(), invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusViewed, resp.Status)

	_, err = svc.GetPublicInvoice(context.Background(), uuid.NewString())
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	_, err = svc.GetPublicInvoice(context.Background(), "not-a-uuid")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}
