package subscription

import (
	"context"
	"sort"
	"time"

	"github.com/taskmgr818/magic-points/internal/ledger"
)

// ─────────────────────────────────────────────
// Plans & perks
//
// Subscriptions and top-up packs are fulfilled as ledger grants. Payment
// capture happens in the billing backend, which calls fulfilment with the
// captured payment id; this package only credits and records the tier.
// ─────────────────────────────────────────────

// Plan is a purchasable subscription.
type Plan struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tier       string `json:"tier,omitempty"` // basic | pro; empty for top-ups
	Points     int64  `json:"points"`
	PriceCents int64  `json:"price_cents"`
}

var plans = map[string]Plan{
	"basic":      {ID: "basic", Name: "Basic Monthly", Tier: TierBasic, Points: 1000, PriceCents: 999},
	"pro":        {ID: "pro", Name: "Pro Monthly", Tier: TierPro, Points: 2200, PriceCents: 1999},
	"yearly_pro": {ID: "yearly_pro", Name: "Yearly Pro", Tier: TierPro, Points: 12000, PriceCents: 9900},
}

// Tiers recorded on the user.
const (
	TierBasic = "basic"
	TierPro   = "pro"
)

// topUps are the one-time packs on sale. They grant points but leave the
// tier untouched.
var topUps = map[string]Plan{
	"topup_500":  {ID: "topup_500", Name: "Top-Up 500", Points: 500, PriceCents: 499},
	"topup_1200": {ID: "topup_1200", Name: "Top-Up 1200", Points: 1200, PriceCents: 999},
	"topup_3000": {ID: "topup_3000", Name: "Top-Up 3000", Points: 3000, PriceCents: 1999},
}

// Fixed daily checkin rewards for paid tiers.
var tierCheckinReward = map[string]int64{
	TierBasic: 30,
	TierPro:   50,
}

// CodeAlreadyCheckedIn extends the ledger error codes for daily perks.
const CodeAlreadyCheckedIn ledger.ErrorCode = "ALREADY_CHECKED_IN"

// ErrAlreadyCheckedIn is returned for a second checkin on the same UTC day.
var ErrAlreadyCheckedIn = &ledger.DomainError{Code: CodeAlreadyCheckedIn, Message: "Already checked in today"}

// CodePaymentReplayed marks a payment id that was already fulfilled.
const CodePaymentReplayed ledger.ErrorCode = "PAYMENT_ALREADY_FULFILLED"

// ErrPaymentReplayed is returned when the billing backend delivers the same
// payment twice.
var ErrPaymentReplayed = &ledger.DomainError{Code: CodePaymentReplayed, Message: "Payment already fulfilled"}

// LookupPlan returns the plan with the given id.
func LookupPlan(id string) (Plan, bool) {
	p, ok := plans[id]
	return p, ok
}

// LookupTopUp returns the top-up pack with the given id.
func LookupTopUp(id string) (Plan, bool) {
	p, ok := topUps[id]
	return p, ok
}

// Purchase is a captured payment to fulfil.
type Purchase struct {
	UserID    string
	PlanID    string
	Platform  string
	PaymentID string
}

// Result describes a fulfilled purchase.
type Result struct {
	PlanID      string `json:"plan_id"`
	Plan        *Plan  `json:"plan,omitempty"`
	TopUp       int64  `json:"top_up,omitempty"`
	PointsAdded int64  `json:"points_added"`
	Balance     int64  `json:"balance"`
}

// CheckinResult describes a successful daily checkin.
type CheckinResult struct {
	Reward   int64 `json:"reward"`
	Balance  int64 `json:"balance"`
	Streak   int   `json:"streak"`
	DayCycle int   `json:"day_cycle"` // 1..7
}

// Service defines subscription fulfilment and daily perks.
type Service interface {
	// Subscribe grants the plan's points (or a top-up pack) and records
	// the tier on the user, atomically. A payment id is fulfilled once.
	Subscribe(ctx context.Context, p Purchase) (*Result, error)

	// Checkin grants the daily reward at most once per UTC day.
	Checkin(ctx context.Context, userID string) (*CheckinResult, error)

	// Plans lists purchasable plans ordered by price.
	Plans() []Plan

	// TopUps lists the top-up packs ordered by price.
	TopUps() []Plan
}

func sortedByPrice(m map[string]Plan) []Plan {
	out := make([]Plan, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
