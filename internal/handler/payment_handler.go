package handler

import (
	"net/http"

	"invoicepay/internal/middleware"
	"invoicepay/internal/service"
	"invoicepay/pkg/response"

	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	paymentService service.PaymentService
}

func NewPaymentHandler(paymentService service.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

func (h *PaymentHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Order creation and verification accept anonymous callers; a payer
	// following an emailed link has no account.
	payments := router.Group("/api/payments", middleware.OptionalAuth())
	{
		payments.POST("/orders", h.CreateOrder)
		payments.POST("/verify", h.VerifyPayment)
	}

	router.GET("/api/invoices/:id/payments", middleware.RequireAuth(), h.ListInvoicePayments)
}

// CreateOrder creates a gateway order for an invoice payment
// @Summary      Create payment order
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateOrderRequest  true  "Create Order Payload"
// @Success      201      {object}  response.Response{data=service.CreateOrderResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/payments/orders [post]
func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	identity := middleware.IdentityFromContext(c)
	order, err := h.paymentService.CreateOrder(c.Request.Context(), identity, req)
	if err != nil {
		c.JSON(response.FromError(err))
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, order))
}

// VerifyPayment verifies a checkout callback signature and settles the payment
// @Summary      Verify payment
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        payload  body      service.VerifyPaymentRequest  true  "Verify Payment Payload"
// @Success      200      {object}  response.Response{data=service.VerifyPaymentResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/payments/verify [post]
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	identity := middleware.IdentityFromContext(c)
	result, err := h.paymentService.VerifyPayment(c.Request.Context(), identity, req)
	if err != nil {
		c.JSON(response.FromError(err))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ListInvoicePayments returns the payment history of an invoice
// @Summary      List invoice payments
// @Tags         payments
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=[]service.PaymentRecordResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/invoices/{id}/payments [get]
func (h *PaymentHandler) ListInvoicePayments(c *gin.Context) {
	identity := middleware.IdentityFromContext(c)

	payments, err := h.paymentService.ListInvoicePayments(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		c.JSON(response.FromError(err))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, payments))
}
