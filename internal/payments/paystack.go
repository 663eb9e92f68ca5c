package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultPaystackBaseURL = "https://api.paystack.co"

// PaystackAdapter verifies Paystack webhook deliveries and confirms
// redirect-flow transactions against the Paystack verify API.
type PaystackAdapter struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewPaystackAdapter(secretKey string) *PaystackAdapter {
	return &PaystackAdapter{
		secretKey: secretKey,
		baseURL:   defaultPaystackBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (p *PaystackAdapter) SetBaseURL(u string) { p.baseURL = u }

// VerifySignature checks the x-paystack-signature header: HMAC-SHA512 of
// the raw body keyed with the secret key, hex encoded.
func (p *PaystackAdapter) VerifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type paystackTransaction struct {
	Reference string            `json:"reference"`
	Status    string            `json:"status"`
	Amount    int64             `json:"amount"` // in subunits
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

type paystackWebhook struct {
	Event string              `json:"event"`
	Data  paystackTransaction `json:"data"`
}

// ParseWebhook checks the signature and extracts a payment event. Returns
// (nil, nil) for event types other than charge.success.
func (p *PaystackAdapter) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if !p.VerifySignature(payload, signature) {
		return nil, fmt.Errorf("paystack webhook signature mismatch")
	}

	var hook paystackWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("decode paystack webhook: %w", err)
	}
	if hook.Event != "charge.success" {
		return nil, nil
	}
	return p.eventFromTransaction(&hook.Data)
}

// VerifyTransaction confirms a redirect-flow reference with the Paystack
// API. The browser callback alone is not trusted: anyone can hit the
// callback URL with a made-up reference.
func (p *PaystackAdapter) VerifyTransaction(ctx context.Context, reference string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify paystack transaction: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read paystack response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paystack verify returned %d", resp.StatusCode)
	}

	var out struct {
		Status bool                `json:"status"`
		Data   paystackTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode paystack verify response: %w", err)
	}
	if !out.Status || out.Data.Status != "success" {
		return nil, fmt.Errorf("paystack transaction %s not successful", reference)
	}
	return p.eventFromTransaction(&out.Data)
}

func (p *PaystackAdapter) eventFromTransaction(tx *paystackTransaction) (*Event, error) {
	item, label, err := itemFromMetadata(tx.Metadata)
	if err != nil {
		return nil, fmt.Errorf("paystack transaction %s: %w", tx.Reference, err)
	}
	return &Event{
		Processor: "paystack",
		Reference: tx.Reference,
		AccountID: tx.Metadata[metaAccountID],
		Label:     label,
		AmountUSD: float64(tx.Amount) / 100,
		Item:      item,
	}, nil
}
