package plan

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Plan
		to      Plan
		allowed bool
	}{
		{"free to pro", Free, Pro, true},
		{"free to premium", Free, PremiumPlus, true},
		{"pro to premium", Pro, PremiumPlus, true},
		{"premium downgrade to pro rejected", PremiumPlus, Pro, false},
		{"premium cancel to free", PremiumPlus, Free, true},
		{"pro cancel to free", Pro, Free, true},
		{"same plan", Pro, Pro, true},
		{"unknown target", Free, Plan("Platinum"), false},
		{"unknown source", Plan(""), Pro, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestCreditGrantFor(t *testing.T) {
	if got := CreditGrantFor(Free); got != 0 {
		t.Errorf("Free grant = %d, want 0", got)
	}
	if got := CreditGrantFor(Pro); got != 250 {
		t.Errorf("Pro grant = %d, want 250", got)
	}
	if got := CreditGrantFor(PremiumPlus); got != 600 {
		t.Errorf("Premium+ grant = %d, want 600", got)
	}
}

func TestUpgradeGrant(t *testing.T) {
	tests := []struct {
		from, to Plan
		want     int64
	}{
		{Free, Pro, 250},
		{Free, PremiumPlus, 600},
		{Pro, PremiumPlus, 350},
		{PremiumPlus, Free, 0},
		{Pro, Free, 0},
		{Pro, Pro, 0},
	}
	for _, tt := range tests {
		if got := UpgradeGrant(tt.from, tt.to); got != tt.want {
			t.Errorf("UpgradeGrant(%q, %q) = %d, want %d", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAllowed(t *testing.T) {
	if Allowed(Free, FeatureHistory) {
		t.Error("history should require a paid plan")
	}
	if Allowed(Free, FeaturePDFExport) {
		t.Error("pdf export should require a paid plan")
	}
	if !Allowed(Pro, FeatureHistory) || !Allowed(PremiumPlus, FeatureHistory) {
		t.Error("paid plans should have history access")
	}
	if Allowed(Pro, FeaturePriorityInference) {
		t.Error("priority inference is Premium+ only")
	}
	if !Allowed(PremiumPlus, FeaturePriorityInference) {
		t.Error("Premium+ should have priority inference")
	}
}

func TestCatalogConsistency(t *testing.T) {
	if len(Catalog) != 3 {
		t.Fatalf("catalog has %d tiers, want 3", len(Catalog))
	}
	for _, tier := range Catalog {
		if !tier.Plan.Valid() {
			t.Errorf("catalog tier %q is not a valid plan", tier.Plan)
		}
		if tier.CreditGrant != CreditGrantFor(tier.Plan) {
			t.Errorf("catalog grant for %q = %d, policy says %d",
				tier.Plan, tier.CreditGrant, CreditGrantFor(tier.Plan))
		}
	}
	for _, pack := range Packs {
		if pack.Credits <= 0 || pack.PriceUSD <= 0 {
			t.Errorf("pack %q has non-positive credits or price", pack.Name)
		}
	}
}
