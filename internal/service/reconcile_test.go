package service

import (
	"testing"

	"invoicepay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReconcilePayment(t *testing.T) {
	tests := []struct {
		name        string
		total       string
		alreadyPaid string
		payment     string
		wantStatus  string
		wantPaid    string
		wantBalance string
		wantFull    bool
	}{
		{
			name:  "full payment settles the invoice",
			total: "250.00", alreadyPaid: "0", payment: "250.00",
			wantStatus: model.InvoiceStatusPaid, wantPaid: "250.00", wantBalance: "0", wantFull: true,
		},
		{
			name:  "partial payment leaves a balance",
			total: "250.00", alreadyPaid: "0", payment: "100.00",
			wantStatus: model.InvoiceStatusPartiallyPaid, wantPaid: "100.00", wantBalance: "150.00",
		},
		{
			name:  "second partial completes",
			total: "250.00", alreadyPaid: "100.00", payment: "150.00",
			wantStatus: model.InvoiceStatusPaid, wantPaid: "250.00", wantBalance: "0", wantFull: true,
		},
		{
			name:  "sub-cent shortfall counts as paid",
			total: "100.00", alreadyPaid: "0", payment: "99.995",
			wantStatus: model.InvoiceStatusPaid, wantPaid: "99.995", wantBalance: "0", wantFull: true,
		},
		{
			name:  "shortfall above epsilon stays partial",
			total: "100.00", alreadyPaid: "0", payment: "99.98",
			wantStatus: model.InvoiceStatusPartiallyPaid, wantPaid: "99.98", wantBalance: "0.02",
		},
		{
			name:  "overpayment clamps balance at zero",
			total: "100.00", alreadyPaid: "0", payment: "120.00",
			wantStatus: model.InvoiceStatusPaid, wantPaid: "120.00", wantBalance: "0", wantFull: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconcilePayment(dec(tt.total), dec(tt.alreadyPaid), dec(tt.payment))

			assert.Equal(t, tt.wantStatus, got.Status)
			assert.True(t, got.PaidAmount.Equal(dec(tt.wantPaid)), "paid = %s", got.PaidAmount)
			assert.True(t, got.BalanceDue.Equal(dec(tt.wantBalance)), "balance = %s", got.BalanceDue)
			assert.Equal(t, tt.wantFull, got.FullyPaid)
		})
	}
}

func TestReconcilePaymentConservesMoney(t *testing.T) {
	// Unless fully paid, total = paid + balance must hold after every
	// reconciliation step.
	total := dec("1000.00")
	paid := decimal.Zero
	for _, p := range []string{"333.33", "250.00", "416.67"} {
		got := reconcilePayment(total, paid, dec(p))
		if !got.FullyPaid {
			assert.True(t, got.PaidAmount.Add(got.BalanceDue).Equal(total),
				"paid %s + balance %s != total %s", got.PaidAmount, got.BalanceDue, total)
		}
		paid = got.PaidAmount
	}
	assert.True(t, paid.Equal(total))
}
