package cryptopay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TestborBot/pkg/logger"
)

const token = "12345:AAtesttoken"

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"update_type":"invoice_paid","payload":{"payload":"premium_1_abc"}}`)
	sig := hex.EncodeToString(Sign(token, body))

	assert.True(t, VerifySignature(token, body, sig))
	assert.True(t, VerifySignature(token, body, " "+sig+"\n"))
	assert.False(t, VerifySignature(token, append(body, ' '), sig), "body tampered")
	assert.False(t, VerifySignature("other", body, sig), "wrong secret")
	assert.False(t, VerifySignature(token, body, ""), "missing header")
	assert.False(t, VerifySignature("", body, sig), "no secret configured")
	assert.False(t, VerifySignature(token, body, "zz-not-hex"))
}

func TestParseUpdate(t *testing.T) {
	update, err := ParseUpdate([]byte(`{"update_id":7,"update_type":"invoice_paid","payload":{"invoice_id":9,"asset":"USDT","amount":"1.50","payload":"premium_42_deadbeef0001"}}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateInvoicePaid, update.UpdateType)
	assert.Equal(t, Amount("1.50"), update.Payload.Amount)
	assert.Equal(t, "premium_42_deadbeef0001", update.Payload.Payload)

	update, err = ParseUpdate([]byte(`{"update_type":"invoice_paid","payload":{"amount":2.5}}`))
	require.NoError(t, err)
	assert.Equal(t, Amount("2.5"), update.Payload.Amount)

	_, err = ParseUpdate([]byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = ParseUpdate([]byte(`{"payload":{}}`))
	require.ErrorIs(t, err, ErrMalformedUpdate)
}

func newTestClient(url string, retries int) *Client {
	return NewClient(Options{
		Token:   token,
		BaseURL: url,
		Timeout: time.Second,
		Retries: retries,
		Backoff: time.Millisecond,
	}, logger.Discard(), nil)
}

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/createInvoice", r.URL.Path)
		assert.Equal(t, token, r.Header.Get("Crypto-Pay-API-Token"))

		var req InvoiceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "premium_1_abc", req.Payload)
		assert.Equal(t, "USDT", req.Asset)

		_, _ = w.Write([]byte(`{"ok":true,"result":{"invoice_id":77,"status":"active","asset":"USDT","amount":"1.5","bot_invoice_url":"https://t.me/CryptoBot?start=IV77"}}`))
	}))
	defer srv.Close()

	inv, err := newTestClient(srv.URL, 3).CreateInvoice(context.Background(), InvoiceRequest{Asset: "USDT", Amount: "1.5", Payload: "premium_1_abc"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), inv.InvoiceID)
	assert.Equal(t, "https://t.me/CryptoBot?start=IV77", inv.URL())
}

func TestCreateInvoiceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"invoice_id":1,"pay_url":"https://pay.example/1"}}`))
	}))
	defer srv.Close()

	inv, err := newTestClient(srv.URL, 3).CreateInvoice(context.Background(), InvoiceRequest{Asset: "USDT", Amount: "1", Payload: "p"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "https://pay.example/1", inv.URL())
}

func TestCreateInvoiceGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateInvoice(context.Background(), InvoiceRequest{Asset: "USDT", Amount: "1", Payload: "p"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateInvoiceDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).CreateInvoice(context.Background(), InvoiceRequest{Asset: "USDT", Amount: "0", Payload: "p"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AMOUNT_TOO_SMALL", apiErr.Name)
	assert.Equal(t, int32(1), calls.Load())
}
