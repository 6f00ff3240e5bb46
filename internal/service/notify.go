package service

import (
	"context"

	"invoicepay/internal/mailer"
	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/internal/websocket"

	"github.com/rs/zerolog/log"
)

// paymentNotifier fires the side effects that follow a reconciled payment:
// a receipt email to the client and a dashboard event to the owner. Both the
// verification path and the webhook path land here. Everything is
// best-effort and runs detached from the request; a mail-provider outage
// can never roll back a settled payment.
type paymentNotifier struct {
	invoices repository.InvoiceRepository
	mail     mailer.Mailer
	hub      *websocket.Hub
}

func (n *paymentNotifier) PaymentReceived(record *model.PaymentRecord) {
	go func() {
		invoice, err := n.invoices.FindByIDWithItems(context.Background(), record.InvoiceID)
		if err != nil {
			log.Error().Err(err).Str("invoice_id", record.InvoiceID.String()).Msg("notify: invoice load failed")
			return
		}

		n.hub.NotifyUser(invoice.UserID, websocket.Event{
			Type: websocket.EventPaymentReceived,
			Payload: map[string]string{
				"invoice_id":     invoice.ID.String(),
				"invoice_no":     invoice.InvoiceNo,
				"invoice_status": invoice.Status,
				"amount":         record.Amount.StringFixed(2),
				"currency":       record.Currency,
			},
		})

		if invoice.Client == nil || invoice.Client.Email == "" {
			return
		}
		err = n.mail.Send(invoice.Client.Email, mailer.TemplatePaymentReceived, map[string]string{
			"ClientName": invoice.Client.Name,
			"InvoiceNo":  invoice.InvoiceNo,
			"Amount":     record.Amount.StringFixed(2),
			"Currency":   record.Currency,
		})
		if err != nil {
			log.Error().Err(err).Str("invoice_no", invoice.InvoiceNo).Msg("payment receipt email failed")
		}
	}()
}

func (n *paymentNotifier) PaymentFailed(record *model.PaymentRecord, reason string) {
	go func() {
		invoice, err := n.invoices.FindByID(context.Background(), record.InvoiceID)
		if err != nil {
			return
		}
		n.hub.NotifyUser(invoice.UserID, websocket.Event{
			Type: websocket.EventPaymentFailed,
			Payload: map[string]string{
				"invoice_id": invoice.ID.String(),
				"invoice_no": invoice.InvoiceNo,
				"reason":     reason,
			},
		})
	}()
}

func (n *paymentNotifier) InvoiceRefunded(record *model.PaymentRecord, status string) {
	go func() {
		invoice, err := n.invoices.FindByID(context.Background(), record.InvoiceID)
		if err != nil {
			return
		}
		n.hub.NotifyUser(invoice.UserID, websocket.Event{
			Type: websocket.EventInvoiceRefunded,
			Payload: map[string]string{
				"invoice_id":     invoice.ID.String(),
				"invoice_no":     invoice.InvoiceNo,
				"invoice_status": status,
				"refund_amount":  record.RefundAmount.StringFixed(2),
			},
		})
	}()
}
