// Package plan defines the subscription tiers and the entitlement rules
// attached to them. Everything here is pure: no I/O, no clock, no store.
package plan

import "errors"

// ErrInvalidTransition is returned when a plan change violates product rules.
var ErrInvalidTransition = errors.New("plan transition not allowed")

// Plan identifies a pricing tier.
type Plan string

const (
	Free        Plan = "Free"
	Pro         Plan = "Pro"
	PremiumPlus Plan = "Premium+"
)

// Valid reports whether p is one of the known tiers.
func (p Plan) Valid() bool {
	switch p {
	case Free, Pro, PremiumPlus:
		return true
	}
	return false
}

// Paid reports whether p is a paying tier.
func (p Plan) Paid() bool {
	return p == Pro || p == PremiumPlus
}

// Feature is a gated product capability.
type Feature string

const (
	// FeatureHistory gates access to saved tool history.
	FeatureHistory Feature = "history"
	// FeaturePDFExport gates exporting generated documents as PDF.
	FeaturePDFExport Feature = "pdf_export"
	// FeaturePriorityInference gates preferential routing to the powerful tier.
	FeaturePriorityInference Feature = "priority_inference"
)

// CanTransition reports whether an account may move from current to requested.
// Premium+ holders must cancel down to Free before subscribing to Pro; every
// other transition (including any plan to Free) is allowed.
func CanTransition(current, requested Plan) bool {
	if !current.Valid() || !requested.Valid() {
		return false
	}
	if current == PremiumPlus && requested == Pro {
		return false
	}
	return true
}

// CreditGrantFor returns the credits issued when an account lands on p.
// Free carries no grant; intro credits are handled at provisioning time.
func CreditGrantFor(p Plan) int64 {
	switch p {
	case Pro:
		return 250
	case PremiumPlus:
		return 600
	default:
		return 0
	}
}

// UpgradeGrant returns the credits owed when moving from one plan to another:
// the difference between the grants, never negative. A Pro account moving to
// Premium+ has already been issued 250 this cycle and receives the remainder.
func UpgradeGrant(from, to Plan) int64 {
	diff := CreditGrantFor(to) - CreditGrantFor(from)
	if diff < 0 {
		return 0
	}
	return diff
}

// Allowed reports whether accounts on p may use feature. All metered tools
// are available on every plan while credits remain; only history, PDF export
// and priority routing are tier-gated.
func Allowed(p Plan, feature Feature) bool {
	switch feature {
	case FeatureHistory, FeaturePDFExport:
		return p.Paid()
	case FeaturePriorityInference:
		return p == PremiumPlus
	}
	return false
}
