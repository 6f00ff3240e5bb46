package handler

import (
	"net/http"

	"invoicepay/internal/service"
	"invoicepay/pkg/apperror"
	"invoicepay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const webhookSignatureHeader = "X-Gateway-Signature"

type WebhookHandler struct {
	webhookService service.WebhookService
}

func NewWebhookHandler(webhookService service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

func (h *WebhookHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/api/webhooks/gateway", h.HandleGatewayWebhook)
}

// HandleGatewayWebhook ingests payment gateway event notifications
// @Summary      Gateway webhook
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        X-Gateway-Signature  header    string  true  "HMAC signature of the raw body"
// @Success      200                  {object}  response.Response
// @Failure      400                  {object}  response.Response
// @Router       /api/webhooks/gateway [post]
func (h *WebhookHandler) HandleGatewayWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "could not read request body"))
		return
	}

	err = h.webhookService.Process(c.Request.Context(), body, c.GetHeader(webhookSignatureHeader))
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindSignature, apperror.KindValidation:
			c.JSON(response.FromError(err))
		default:
			// Processing failures after an authenticated, well-formed
			// delivery are our problem. Acknowledge so the gateway does
			// not retry into the same error forever; the log is the
			// recovery trail.
			log.Error().Err(err).Msg("webhook processing failed after acknowledgment")
			c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"status": "acknowledged"}))
		}
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"status": "processed"}))
}
