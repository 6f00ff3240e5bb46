package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invoicepay/internal/mailer"
	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// --- DTOs ---

type InvoiceItemRequest struct {
	Description string `json:"description" binding:"required"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price" binding:"required"`
}

type CreateInvoiceRequest struct {
	ClientID  string               `json:"client_id" binding:"required"`
	Currency  string               `json:"currency"`
	IssueDate string               `json:"issue_date"`
	DueDate   string               `json:"due_date" binding:"required"`
	Notes     string               `json:"notes"`
	Items     []InvoiceItemRequest `json:"items" binding:"required,min=1"`
}

type UpdateInvoiceRequest struct {
	DueDate *string              `json:"due_date"`
	Notes   *string              `json:"notes"`
	Items   []InvoiceItemRequest `json:"items"`
}

type InvoiceFilter struct {
	Status string
	Page   int
	Limit  int
}

type InvoiceItemResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

type InvoiceResponse struct {
	ID                string                `json:"id"`
	InvoiceNo         string                `json:"invoice_no"`
	Status            string                `json:"status"`
	Currency          string                `json:"currency"`
	TotalAmount       string                `json:"total_amount"`
	PaidAmount        string                `json:"paid_amount"`
	BalanceDue        string                `json:"balance_due"`
	ClientID          *string               `json:"client_id"`
	ClientName        string                `json:"client_name,omitempty"`
	IssueDate         string                `json:"issue_date"`
	DueDate           string                `json:"due_date"`
	Notes             string                `json:"notes"`
	FallbackNumbering bool                  `json:"fallback_numbering,omitempty"`
	Items             []InvoiceItemResponse `json:"items,omitempty"`
	SentAt            *string               `json:"sent_at"`
	ViewedAt          *string               `json:"viewed_at"`
	PaidAt            *string               `json:"paid_at"`
	CreatedAt         string                `json:"created_at"`
}

// PublicInvoiceResponse is the unauthenticated payment-page view: enough to
// render the checkout, nothing that leaks the owner's books.
type PublicInvoiceResponse struct {
	ID         string `json:"id"`
	InvoiceNo  string `json:"invoice_no"`
	Status     string `json:"status"`
	Currency   string `json:"currency"`
	TotalAmount string `json:"total_amount"`
	BalanceDue string `json:"balance_due"`
	DueDate    string `json:"due_date"`
}

// --- Interface ---

type InvoiceService interface {
	CreateInvoice(ctx context.Context, userID uuid.UUID, req CreateInvoiceRequest) (InvoiceResponse, error)
	ListInvoices(ctx context.Context, userID uuid.UUID, filter InvoiceFilter) ([]InvoiceResponse, int64, error)
	GetInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error)
	UpdateInvoice(ctx context.Context, userID uuid.UUID, id string, req UpdateInvoiceRequest) (InvoiceResponse, error)
	CancelInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error)
	SendInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error)
	GetPublicInvoice(ctx context.Context, id string) (PublicInvoiceResponse, error)
}

type invoiceService struct {
	invoiceRepo repository.InvoiceRepository
	clientRepo  repository.ClientRepository
	userRepo    repository.UserRepository
	txManager   repository.TransactionManager
	mail        mailer.Mailer
	allocator   sequenceAllocator
	payPageBase string
}

func NewInvoiceService(
	invoiceRepo repository.InvoiceRepository,
	clientRepo repository.ClientRepository,
	userRepo repository.UserRepository,
	txManager repository.TransactionManager,
	mail mailer.Mailer,
	payPageBase string,
) InvoiceService {
	return &invoiceService{
		invoiceRepo: invoiceRepo,
		clientRepo:  clientRepo,
		userRepo:    userRepo,
		txManager:   txManager,
		mail:        mail,
		allocator:   sequenceAllocator{invoices: invoiceRepo},
		payPageBase: payPageBase,
	}
}

// --- Implementation ---

func (s *invoiceService) CreateInvoice(ctx context.Context, userID uuid.UUID, req CreateInvoiceRequest) (InvoiceResponse, error) {
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		return InvoiceResponse{}, apperror.Validation("invalid client_id")
	}
	if _, err := s.clientRepo.FindByID(ctx, userID, clientID); err != nil {
		return InvoiceResponse{}, apperror.NotFound("client not found")
	}

	items, total, err := buildItems(req.Items)
	if err != nil {
		return InvoiceResponse{}, err
	}

	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		return InvoiceResponse{}, apperror.Validation("invalid due_date")
	}
	issueDate := time.Now()
	if req.IssueDate != "" {
		if issueDate, err = parseDate(req.IssueDate); err != nil {
			return InvoiceResponse{}, apperror.Validation("invalid issue_date")
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	invoice := model.Invoice{
		UserID:      userID,
		ClientID:    &clientID,
		Status:      model.InvoiceStatusDraft,
		Currency:    currency,
		TotalAmount: total,
		PaidAmount:  decimal.Zero,
		BalanceDue:  total,
		IssueDate:   issueDate,
		DueDate:     dueDate,
		Notes:       req.Notes,
		Items:       items,
	}

	if err := s.createWithNumber(ctx, &invoice); err != nil {
		return InvoiceResponse{}, err
	}

	reloaded, err := s.invoiceRepo.FindByIDWithItems(ctx, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	return toInvoiceResponse(*reloaded), nil
}

// createWithNumber runs the optimistic allocate-then-insert loop. Losing the
// uniqueness race surfaces as gorm.ErrDuplicatedKey and is retried with the
// next candidate; anything left after the attempt budget goes through the
// timestamp fallback so invoice creation never blocks on numbering.
func (s *invoiceService) createWithNumber(ctx context.Context, invoice *model.Invoice) error {
	year := invoice.IssueDate.Year()

	maxSuffix, err := s.allocator.nextSuffix(ctx, invoice.UserID, year)
	if err != nil {
		log.Warn().Err(err).Msg("sequence read failed, using fallback invoice number")
		return s.createWithFallbackNumber(ctx, invoice, year)
	}

	for attempt := 0; attempt < invoiceNoAttempts; attempt++ {
		invoice.InvoiceNo = s.allocator.candidate(year, maxSuffix, attempt)
		err := s.invoiceRepo.Create(ctx, invoice)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		log.Debug().Str("invoice_no", invoice.InvoiceNo).Int("attempt", attempt).
			Msg("invoice number taken by concurrent create, retrying")
	}

	log.Warn().Int("attempts", invoiceNoAttempts).Msg("invoice number attempts exhausted, using fallback")
	return s.createWithFallbackNumber(ctx, invoice, year)
}

func (s *invoiceService) createWithFallbackNumber(ctx context.Context, invoice *model.Invoice, year int) error {
	invoice.InvoiceNo = s.allocator.fallbackNumber(year)
	invoice.FallbackNumbering = true
	if err := s.invoiceRepo.Create(ctx, invoice); err != nil {
		return apperror.Allocation("could not allocate an invoice number", err)
	}
	return nil
}

func (s *invoiceService) ListInvoices(ctx context.Context, userID uuid.UUID, filter InvoiceFilter) ([]InvoiceResponse, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	// Sweep due invoices into overdue before reading, so listings never show
	// a stale "sent" past its due date.
	if err := s.invoiceRepo.MarkOverdue(ctx, userID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("overdue sweep failed")
	}

	invoices, total, err := s.invoiceRepo.List(ctx, userID, repository.InvoiceListFilter{
		Status: filter.Status,
		Page:   filter.Page,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch invoices: %w", err)
	}

	result := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		result = append(result, toInvoiceResponse(inv))
	}
	return result, total, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error) {
	invoice, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return InvoiceResponse{}, err
	}
	reloaded, err := s.invoiceRepo.FindByIDWithItems(ctx, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	return toInvoiceResponse(*reloaded), nil
}

func (s *invoiceService) UpdateInvoice(ctx context.Context, userID uuid.UUID, id string, req UpdateInvoiceRequest) (InvoiceResponse, error) {
	invoice, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return InvoiceResponse{}, err
	}

	// Amount edits are frozen as soon as any money has been applied; the
	// ledger totals and the payment records must stay consistent.
	if invoice.PaidAmount.GreaterThan(decimal.Zero) || !invoice.IsOpenForPayment() {
		return InvoiceResponse{}, apperror.Conflict("invoice can no longer be edited")
	}

	if req.DueDate != nil {
		dueDate, err := parseDate(*req.DueDate)
		if err != nil {
			return InvoiceResponse{}, apperror.Validation("invalid due_date")
		}
		invoice.DueDate = dueDate
	}
	if req.Notes != nil {
		invoice.Notes = *req.Notes
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if len(req.Items) > 0 {
			items, total, err := buildItems(req.Items)
			if err != nil {
				return err
			}
			for i := range items {
				items[i].InvoiceID = invoice.ID
			}
			// Replace, not upsert: the old line rows must go or the items
			// stop summing to the ledger total.
			if err := s.invoiceRepo.DeleteItems(txCtx, invoice.ID); err != nil {
				return fmt.Errorf("failed to clear invoice items: %w", err)
			}
			invoice.Items = items
			invoice.TotalAmount = total
			invoice.BalanceDue = total
		}
		return s.invoiceRepo.Update(txCtx, invoice)
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	reloaded, err := s.invoiceRepo.FindByIDWithItems(ctx, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	return toInvoiceResponse(*reloaded), nil
}

func (s *invoiceService) CancelInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error) {
	invoice, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return InvoiceResponse{}, err
	}

	if invoice.PaidAmount.GreaterThan(decimal.Zero) {
		return InvoiceResponse{}, apperror.Conflict("invoice with applied payments cannot be cancelled")
	}
	if !invoice.IsOpenForPayment() {
		return InvoiceResponse{}, apperror.Conflict("invoice is already " + invoice.Status)
	}

	invoice.Status = model.InvoiceStatusCancelled
	if err := s.invoiceRepo.Update(ctx, invoice); err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return toInvoiceResponse(*invoice), nil
}

func (s *invoiceService) SendInvoice(ctx context.Context, userID uuid.UUID, id string) (InvoiceResponse, error) {
	invoice, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return InvoiceResponse{}, err
	}

	loaded, err := s.invoiceRepo.FindByIDWithItems(ctx, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	if loaded.Client == nil {
		return InvoiceResponse{}, apperror.Validation("invoice has no client to send to")
	}

	if err := s.invoiceRepo.MarkSent(ctx, invoice.ID, time.Now()); err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to mark invoice sent: %w", err)
	}

	owner, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to load invoice owner: %w", err)
	}

	// Best-effort: a mail outage must not fail the send operation.
	go func(to, clientName, businessName string, inv model.Invoice) {
		err := s.mail.Send(to, mailer.TemplateInvoiceSent, map[string]string{
			"ClientName":   clientName,
			"BusinessName": businessName,
			"InvoiceNo":    inv.InvoiceNo,
			"Amount":       inv.TotalAmount.StringFixed(2),
			"Currency":     inv.Currency,
			"DueDate":      inv.DueDate.Format("2006-01-02"),
			"PayURL":       s.payPageBase + "/pay/" + inv.ID.String(),
		})
		if err != nil {
			log.Error().Err(err).Str("invoice_no", inv.InvoiceNo).Msg("invoice email failed")
		}
	}(loaded.Client.Email, loaded.Client.Name, owner.BusinessName, *loaded)

	reloaded, err := s.invoiceRepo.FindByIDWithItems(ctx, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	return toInvoiceResponse(*reloaded), nil
}

// GetPublicInvoice serves the unauthenticated payment page. Lookup is by
// opaque UUID only; there is no enumeration endpoint.
func (s *invoiceService) GetPublicInvoice(ctx context.Context, id string) (PublicInvoiceResponse, error) {
	invoiceID, err := uuid.Parse(id)
	if err != nil {
		return PublicInvoiceResponse{}, apperror.NotFound("invoice not found")
	}

	invoice, err := s.invoiceRepo.FindByID(ctx, invoiceID)
	if err != nil {
		return PublicInvoiceResponse{}, apperror.NotFound("invoice not found")
	}

	// First view of a sent invoice flips it to viewed; the conditional update
	// makes repeat views a no-op.
	if invoice.Status == model.InvoiceStatusSent {
		if err := s.invoiceRepo.MarkViewed(ctx, invoice.ID, time.Now()); err != nil {
			log.Warn().Err(err).Str("invoice_no", invoice.InvoiceNo).Msg("mark viewed failed")
		} else {
			invoice.Status = model.InvoiceStatusViewed
		}
	}

	return PublicInvoiceResponse{
		ID:          invoice.ID.String(),
		InvoiceNo:   invoice.InvoiceNo,
		Status:      invoice.Status,
		Currency:    invoice.Currency,
		TotalAmount: invoice.TotalAmount.StringFixed(2),
		BalanceDue:  invoice.BalanceDue.StringFixed(2),
		DueDate:     invoice.DueDate.Format("2006-01-02"),
	}, nil
}

// --- Helpers ---

// findOwned loads an invoice scoped to its owner. Missing and not-owned are
// indistinguishable to the caller so invoice IDs cannot be probed across
// tenants.
func (s *invoiceService) findOwned(ctx context.Context, userID uuid.UUID, id string) (*model.Invoice, error) {
	invoiceID, err := uuid.Parse(id)
	if err != nil {
		return nil, apperror.NotFound("invoice not found")
	}
	invoice, err := s.invoiceRepo.FindByIDForUser(ctx, userID, invoiceID)
	if err != nil {
		return nil, apperror.NotFound("invoice not found")
	}
	return invoice, nil
}

func buildItems(reqs []InvoiceItemRequest) ([]model.InvoiceItem, decimal.Decimal, error) {
	items := make([]model.InvoiceItem, 0, len(reqs))
	total := decimal.Zero
	for _, item := range reqs {
		qty := decimal.NewFromInt(1)
		var err error
		if item.Quantity != "" {
			if qty, err = decimal.NewFromString(item.Quantity); err != nil || qty.LessThanOrEqual(decimal.Zero) {
				return nil, decimal.Zero, apperror.Validation("invalid item quantity")
			}
		}
		unitPrice, err := decimal.NewFromString(item.UnitPrice)
		if err != nil || unitPrice.IsNegative() {
			return nil, decimal.Zero, apperror.Validation("invalid item unit_price")
		}
		amount := qty.Mul(unitPrice)
		total = total.Add(amount)
		items = append(items, model.InvoiceItem{
			Description: item.Description,
			Quantity:    qty,
			UnitPrice:   unitPrice,
			Amount:      amount,
		})
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, apperror.Validation("invoice total must be positive")
	}
	return items, total, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// --- Mapping ---

func toInvoiceResponse(inv model.Invoice) InvoiceResponse {
	resp := InvoiceResponse{
		ID:                inv.ID.String(),
		InvoiceNo:         inv.InvoiceNo,
		Status:            inv.Status,
		Currency:          inv.Currency,
		TotalAmount:       inv.TotalAmount.StringFixed(2),
		PaidAmount:        inv.PaidAmount.StringFixed(2),
		BalanceDue:        inv.BalanceDue.StringFixed(2),
		IssueDate:         inv.IssueDate.Format("2006-01-02"),
		DueDate:           inv.DueDate.Format("2006-01-02"),
		Notes:             inv.Notes,
		FallbackNumbering: inv.FallbackNumbering,
		CreatedAt:         inv.CreatedAt.Format(time.RFC3339),
	}

	if inv.ClientID != nil {
		s := inv.ClientID.String()
		resp.ClientID = &s
	}
	if inv.Client != nil {
		resp.ClientName = inv.Client.Name
	}
	for _, item := range inv.Items {
		resp.Items = append(resp.Items, InvoiceItemResponse{
			ID:          item.ID.String(),
			Description: item.Description,
			Quantity:    item.Quantity.StringFixed(2),
			UnitPrice:   item.UnitPrice.StringFixed(2),
			Amount:      item.Amount.StringFixed(2),
		})
	}
	if inv.SentAt != nil {
		s := inv.SentAt.Format(time.RFC3339)
		resp.SentAt = &s
	}
	if inv.ViewedAt != nil {
		s := inv.ViewedAt.Format(time.RFC3339)
		resp.ViewedAt = &s
	}
	if inv.PaidAt != nil {
		s := inv.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &s
	}

	return resp
}
