package plan

// Tier describes one entry of the public pricing catalog. The catalog is
// static display/config data and is never mutated at runtime.
type Tier struct {
	Plan         Plan      `json:"plan"`
	PriceUSD     float64   `json:"priceUsd"`
	CreditGrant  int64     `json:"creditGrant"`
	Features     []Feature `json:"features"`
	BillingLabel string    `json:"billingLabel"`
}

// CreditPack is a one-time credit purchase option.
type CreditPack struct {
	Name         string  `json:"name"`
	PriceUSD     float64 `json:"priceUsd"`
	Credits      int64   `json:"credits"`
	BillingLabel string  `json:"billingLabel"`
}

// IntroCredits is granted once when an account is first provisioned.
const IntroCredits int64 = 25

// Catalog lists the subscription tiers.
var Catalog = []Tier{
	{
		Plan:         Free,
		PriceUSD:     0,
		CreditGrant:  0,
		Features:     nil,
		BillingLabel: "Free Plan",
	},
	{
		Plan:         Pro,
		PriceUSD:     4.99,
		CreditGrant:  250,
		Features:     []Feature{FeatureHistory, FeaturePDFExport},
		BillingLabel: "Pro Plan Subscription",
	},
	{
		Plan:         PremiumPlus,
		PriceUSD:     9.99,
		CreditGrant:  600,
		Features:     []Feature{FeatureHistory, FeaturePDFExport, FeaturePriorityInference},
		BillingLabel: "Premium+ Plan Subscription",
	},
}

// Packs lists the one-time credit packs.
var Packs = []CreditPack{
	{Name: "Small Pack", PriceUSD: 2.99, Credits: 100, BillingLabel: "100 Credit Pack"},
	{Name: "Medium Pack", PriceUSD: 5.99, Credits: 250, BillingLabel: "250 Credit Pack"},
	{Name: "Big Pack", PriceUSD: 9.99, Credits: 600, BillingLabel: "600 Credit Pack"},
}
