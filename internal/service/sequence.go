package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"invoicepay/internal/repository"

	"github.com/google/uuid"
)

// invoiceNoAttempts bounds the optimistic-retry loop when concurrent creates
// race for the same sequence number.
const invoiceNoAttempts = 10

// sequenceAllocator hands out per-user, per-year invoice numbers of the form
// INV-{year}-{NNN}. The "read max, add one" step is only an optimization for
// the common case; the (user_id, invoice_no) uniqueness constraint is the
// sole correctness backstop, and losers of the race retry with the next
// candidate.
type sequenceAllocator struct {
	invoices repository.InvoiceRepository
}

func yearPrefix(year int) string {
	return fmt.Sprintf("INV-%d-", year)
}

// nextSuffix returns the highest sequence suffix already issued for the
// user/year, 0 when none exist.
func (a *sequenceAllocator) nextSuffix(ctx context.Context, userID uuid.UUID, year int) (int, error) {
	prefix := yearPrefix(year)
	max, err := a.invoices.MaxInvoiceNo(ctx, userID, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to read max invoice number: %w", err)
	}
	if max == "" {
		return 0, nil
	}
	suffix, err := strconv.Atoi(strings.TrimPrefix(max, prefix))
	if err != nil {
		// Unparseable numbers (manual imports) restart the sequence; the
		// uniqueness constraint still rejects collisions.
		return 0, nil
	}
	return suffix, nil
}

// candidate formats the nth candidate number after the observed max.
func (a *sequenceAllocator) candidate(year, maxSuffix, attempt int) string {
	return fmt.Sprintf("%s%03d", yearPrefix(year), maxSuffix+1+attempt)
}

// fallbackNumber derives a non-sequential but unique number from the clock,
// used when allocation cannot be completed normally. Invoices carrying one
// are flagged for later audit.
func (a *sequenceAllocator) fallbackNumber(year int) string {
	return fmt.Sprintf("%sT%d", yearPrefix(year), time.Now().UnixNano())
}
