package payments

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/wrylyt/wrylyt/internal/plan"
)

// Metadata keys set on the PaymentIntent at checkout time. The intent
// carries everything needed to apply the payment, so the webhook handler
// never has to look up a pending order.
const (
	metaAccountID = "account_id"
	metaItemType  = "item_type" // "plan" or "credits"
	metaPlan      = "plan"
	metaCredits   = "credits"
	metaLabel     = "label"
)

// StripeAdapter verifies Stripe webhook deliveries and normalizes
// successful payments into reconciler events.
type StripeAdapter struct {
	webhookSecret string
}

func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: webhookSecret}
}

// ParseWebhook verifies the Stripe-Signature header against the raw body
// and extracts a payment event. Returns (nil, nil) for event types we do
// not act on; only payment_intent.succeeded produces a grant.
func (s *StripeAdapter) ParseWebhook(payload []byte, sigHeader string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify stripe webhook: %w", err)
	}

	if event.Type != "payment_intent.succeeded" {
		return nil, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	item, label, err := itemFromMetadata(intent.Metadata)
	if err != nil {
		return nil, fmt.Errorf("payment intent %s: %w", intent.ID, err)
	}

	return &Event{
		Processor: "stripe",
		Reference: intent.ID,
		AccountID: intent.Metadata[metaAccountID],
		Label:     label,
		AmountUSD: float64(intent.Amount) / 100,
		Item:      item,
	}, nil
}

func itemFromMetadata(meta map[string]string) (Item, string, error) {
	label := meta[metaLabel]
	switch meta[metaItemType] {
	case "plan":
		p := plan.Plan(meta[metaPlan])
		if !p.Valid() || !p.Paid() {
			return Item{}, "", fmt.Errorf("metadata names invalid plan %q", meta[metaPlan])
		}
		if label == "" {
			label = string(p) + " Plan"
		}
		return Item{PlanGrant: &PlanGrant{Plan: p}}, label, nil
	case "credits":
		n, err := strconv.ParseInt(meta[metaCredits], 10, 64)
		if err != nil || n <= 0 {
			return Item{}, "", fmt.Errorf("metadata names invalid credit amount %q", meta[metaCredits])
		}
		if label == "" {
			label = fmt.Sprintf("%d Credits", n)
		}
		return Item{CreditGrant: &CreditGrant{Credits: n}}, label, nil
	default:
		return Item{}, "", ErrUnknownItem
	}
}
