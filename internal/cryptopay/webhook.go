package cryptopay

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	SignatureHeader   = "Crypto-Pay-Api-Signature"
	UpdateInvoicePaid = "invoice_paid"
)

var ErrMalformedUpdate = errors.New("malformed crypto pay update")

// Update is a webhook delivery.
type Update struct {
	UpdateID    int64          `json:"update_id"`
	UpdateType  string         `json:"update_type"`
	RequestDate string         `json:"request_date"`
	Payload     InvoicePayload `json:"payload"`
}

type InvoicePayload struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	Asset     string `json:"asset"`
	Amount    Amount `json:"amount"`
	Payload   string `json:"payload"`
	PaidAt    string `json:"paid_at"`
}

// Amount accepts both "1.5" and 1.5 on the wire and keeps the decimal text.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body, keyed with the
// SHA-256 of the API token. An empty token or signature never verifies.
func VerifySignature(token string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if token == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(token, body))
}

// Sign computes the raw signature the processor attaches to a delivery.
func Sign(token string, body []byte) []byte {
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	return mac.Sum(nil)
}

func ParseUpdate(body []byte) (*Update, error) {
	var update Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if update.UpdateType == "" {
		return nil, fmt.Errorf("%w: missing update_type", ErrMalformedUpdate)
	}
	return &update, nil
}
