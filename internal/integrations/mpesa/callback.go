package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// CallbackResult is the canonical shape of a parsed asynchronous
// provider notification. OK=false means the payload could not be
// understood; it must never mutate order or payment state.
type CallbackResult struct {
	OK     bool
	Reason string

	MerchantRequestID string
	CheckoutRequestID string

	ResultCode int
	ResultDesc string

	// Present only on success (ResultCode == 0).
	ReceiptNumber   string
	AmountCents     int64
	Phone           string
	TransactionDate *time.Time

	// Raw keeps the payload verbatim for audit storage.
	Raw []byte
}

type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Body.stkCallback payload. It is pure and
// never panics: a malformed payload from the provider comes back as
// OK=false with a reason, not as a crash.
func ParseCallback(raw []byte) CallbackResult {
	res := CallbackResult{Raw: raw}

	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		res.Reason = fmt.Sprintf("invalid JSON: %v", err)
		return res
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		res.Reason = "missing Body.stkCallback.CheckoutRequestID"
		return res
	}
	if cb.ResultCode == nil {
		res.Reason = "missing Body.stkCallback.ResultCode"
		return res
	}

	res.OK = true
	res.MerchantRequestID = cb.MerchantRequestID
	res.CheckoutRequestID = cb.CheckoutRequestID
	res.ResultCode = *cb.ResultCode
	res.ResultDesc = cb.ResultDesc

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var amount float64
			if json.Unmarshal(item.Value, &amount) == nil {
				res.AmountCents = int64(math.Round(amount * 100))
			}
		case "MpesaReceiptNumber":
			var s string
			if json.Unmarshal(item.Value, &s) == nil {
				res.ReceiptNumber = s
			}
		case "PhoneNumber":
			// The provider sends the MSISDN as a bare number.
			var n json.Number
			if json.Unmarshal(item.Value, &n) == nil {
				res.Phone = n.String()
			} else {
				var s string
				if json.Unmarshal(item.Value, &s) == nil {
					res.Phone = s
				}
			}
		case "TransactionDate":
			var n json.Number
			if json.Unmarshal(item.Value, &n) == nil {
				if t, err := time.ParseInLocation("20060102150405", n.String(), time.UTC); err == nil {
					res.TransactionDate = &t
				}
			}
		}
	}

	return res
}

// SignCallback computes the hex HMAC-SHA256 of the raw body with the
// shared callback secret.
func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks an inbound signature. An empty secret disables
// verification: the provider's own sandbox cannot sign its deliveries.
func VerifyCallback(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	want := SignCallback(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
