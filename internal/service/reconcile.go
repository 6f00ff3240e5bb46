package service

import (
	"context"
	"fmt"
	"time"

	"invoicepay/internal/model"
	"invoicepay/internal/repository"

	"github.com/shopspring/decimal"
)

// paymentEpsilon absorbs sub-cent rounding introduced by minor-unit
// conversion on the gateway side.
var paymentEpsilon = decimal.NewFromFloat(0.01)

// ReconcileResult is the invoice state derived from applying one completed
// payment.
type ReconcileResult struct {
	Status     string
	PaidAmount decimal.Decimal
	BalanceDue decimal.Decimal
	FullyPaid  bool
}

// reconcilePayment computes an invoice's new payment state from one completed
// payment amount. Pure; callers guarantee it runs at most once per completed
// payment record (the conditional status transition on the record is the
// guard).
func reconcilePayment(total, alreadyPaid, payment decimal.Decimal) ReconcileResult {
	newPaid := alreadyPaid.Add(payment)
	balance := total.Sub(newPaid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}

	res := ReconcileResult{PaidAmount: newPaid, BalanceDue: balance}
	switch {
	case balance.LessThanOrEqual(paymentEpsilon):
		res.Status = model.InvoiceStatusPaid
		res.BalanceDue = decimal.Zero
		res.FullyPaid = true
	case newPaid.GreaterThan(decimal.Zero):
		res.Status = model.InvoiceStatusPartiallyPaid
	}
	return res
}

// applyCompletedPayment loads the record's invoice inside a transaction,
// reconciles the completed amount, and persists the new payment state. The
// caller must already have won the record's open→completed transition.
func applyCompletedPayment(
	ctx context.Context,
	txManager repository.TransactionManager,
	invoices repository.InvoiceRepository,
	record *model.PaymentRecord,
) (ReconcileResult, error) {
	var result ReconcileResult
	err := txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, err := invoices.FindByID(txCtx, record.InvoiceID)
		if err != nil {
			return fmt.Errorf("invoice %s not found for payment %s: %w", record.InvoiceID, record.ID, err)
		}

		result = reconcilePayment(invoice.TotalAmount, invoice.PaidAmount, record.Amount)

		state := repository.PaymentState{
			Status:     result.Status,
			PaidAmount: result.PaidAmount,
			BalanceDue: result.BalanceDue,
		}
		if result.FullyPaid && invoice.PaidAt == nil {
			now := time.Now()
			state.PaidAt = &now
		}

		if err := invoices.UpdatePaymentState(txCtx, invoice.ID, state); err != nil {
			return fmt.Errorf("failed to update invoice payment state: %w", err)
		}
		return nil
	})
	return result, err
}
