package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature checks the signature the gateway hands to the client after
// checkout. The signed message is "<orderRef>|<paymentRef>" and the signature
// is hex-encoded HMAC-SHA256 under the verification secret.
func VerifySignature(secret, orderRef, paymentRef, signature string) bool {
	expected := SignVerification(secret, orderRef, paymentRef)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func SignVerification(secret, orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks the signature on a webhook delivery. The HMAC
// covers the raw request body exactly as received; re-serializing the JSON
// before verification would break it.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	expected := SignWebhook(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
