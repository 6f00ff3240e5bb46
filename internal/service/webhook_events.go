package service

import (
	"encoding/json"
	"fmt"
)

// Gateway webhook event names
const (
	webhookPaymentCaptured   = "payment.captured"
	webhookPaymentFailed     = "payment.failed"
	webhookPaymentAuthorized = "payment.authorized"
	webhookOrderPaid         = "order.paid"
	webhookRefundCreated     = "refund.created"
)

// WebhookEvent is the closed set of gateway push events. The envelope is
// parsed exactly once at ingestion; dispatch switches over these concrete
// types so a new event variant cannot be silently half-handled.
type WebhookEvent interface {
	isWebhookEvent()
}

type CapturedEvent struct {
	PaymentID   string
	OrderID     string
	AmountMinor int64
}

type FailedEvent struct {
	PaymentID string
	OrderID   string
	Reason    string
}

type AuthorizedEvent struct {
	PaymentID string
	OrderID   string
}

type OrderPaidEvent struct {
	OrderID string
}

type RefundEvent struct {
	RefundID    string
	PaymentID   string
	AmountMinor int64
	Status      string
}

type UnknownEvent struct {
	Name string
}

func (CapturedEvent) isWebhookEvent()   {}
func (FailedEvent) isWebhookEvent()     {}
func (AuthorizedEvent) isWebhookEvent() {}
func (OrderPaidEvent) isWebhookEvent()  {}
func (RefundEvent) isWebhookEvent()     {}
func (UnknownEvent) isWebhookEvent()    {}

// wire-format envelope as pushed by the gateway
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Status    string `json:"status"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// parseWebhookEvent turns a raw gateway push into one of the closed event
// variants. Only malformed payloads error; an unfamiliar event name is a
// well-formed UnknownEvent, which ingestion acknowledges without processing.
func parseWebhookEvent(body []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event name")
	}

	switch env.Event {
	case webhookPaymentCaptured:
		p := env.Payload.Payment.Entity
		if p.ID == "" {
			return nil, fmt.Errorf("%s event missing payment entity", env.Event)
		}
		return CapturedEvent{PaymentID: p.ID, OrderID: p.OrderID, AmountMinor: p.Amount}, nil
	case webhookPaymentFailed:
		p := env.Payload.Payment.Entity
		if p.ID == "" {
			return nil, fmt.Errorf("%s event missing payment entity", env.Event)
		}
		reason := p.ErrorDescription
		if reason == "" {
			reason = "payment failed"
		}
		return FailedEvent{PaymentID: p.ID, OrderID: p.OrderID, Reason: reason}, nil
	case webhookPaymentAuthorized:
		p := env.Payload.Payment.Entity
		if p.ID == "" {
			return nil, fmt.Errorf("%s event missing payment entity", env.Event)
		}
		return AuthorizedEvent{PaymentID: p.ID, OrderID: p.OrderID}, nil
	case webhookOrderPaid:
		o := env.Payload.Order.Entity
		if o.ID == "" {
			return nil, fmt.Errorf("%s event missing order entity", env.Event)
		}
		return OrderPaidEvent{OrderID: o.ID}, nil
	case webhookRefundCreated:
		r := env.Payload.Refund.Entity
		if r.ID == "" || r.PaymentID == "" {
			return nil, fmt.Errorf("%s event missing refund entity", env.Event)
		}
		return RefundEvent{RefundID: r.ID, PaymentID: r.PaymentID, AmountMinor: r.Amount, Status: r.Status}, nil
	default:
		return UnknownEvent{Name: env.Event}, nil
	}
}
