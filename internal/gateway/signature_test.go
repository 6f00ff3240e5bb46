package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signHex(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyPaymentSignature(t *testing.T) {
	secret := "test_key_secret"
	orderID := "order_ABC123"
	paymentID := "pay_XYZ789"
	valid := signHex(secret, []byte(orderID+"|"+paymentID))

	assert.True(t, VerifyPaymentSignature(orderID, paymentID, valid, secret))
	assert.True(t, VerifyPaymentSignature(orderID, paymentID, strings.ToUpper(valid), secret), "hex case should not matter")
	assert.True(t, VerifyPaymentSignature(orderID, paymentID, "  "+valid+"\n", secret), "surrounding whitespace should be tolerated")
}

func TestVerifyPaymentSignatureRejects(t *testing.T) {
	secret := "test_key_secret"
	valid := signHex(secret, []byte("order_1|pay_1"))

	assert.False(t, VerifyPaymentSignature("order_1", "pay_1", valid, "other_secret"), "wrong secret")
	assert.False(t, VerifyPaymentSignature("order_2", "pay_1", valid, secret), "signature bound to a different order")
	assert.False(t, VerifyPaymentSignature("order_1", "pay_2", valid, secret), "signature bound to a different payment")
	assert.False(t, VerifyPaymentSignature("order_1", "pay_1", "", secret), "empty signature")
	assert.False(t, VerifyPaymentSignature("order_1", "pay_1", "not-hex!", secret), "malformed hex")
	assert.False(t, VerifyPaymentSignature("order_1", "pay_1", valid, ""), "missing secret never verifies")
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"payment.captured","payload":{}}`)
	valid := signHex(secret, body)

	assert.True(t, VerifyWebhookSignature(body, valid, secret))
	assert.False(t, VerifyWebhookSignature(body, valid, "whsec_other"))
	assert.False(t, VerifyWebhookSignature([]byte(`{"event":"tampered"}`), valid, secret))
	assert.False(t, VerifyWebhookSignature(body, "", secret))
	assert.False(t, VerifyWebhookSignature(body, valid, ""))
}
