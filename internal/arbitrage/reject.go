package arbitrage

// Reject says why an evaluation produced no opportunity. Rejects are
// diagnostics, not errors.
type Reject string

const (
	RejectNone            Reject = ""
	RejectUnsupported     Reject = "unsupported_market"
	RejectInactive        Reject = "inactive"
	RejectTooManyOutcomes Reject = "too_many_outcomes"
	RejectMissingBook     Reject = "missing_book"
	RejectNoAsk           Reject = "no_ask"
	RejectNoLiquidity     Reject = "no_liquidity"
	RejectNoGrossEdge     Reject = "no_gross_edge"
	RejectBelowMinSize    Reject = "below_min_size"
	RejectUnprofitable    Reject = "unprofitable"
	RejectBelowMinEdge    Reject = "below_min_edge"
	RejectCooldown        Reject = "cooldown"
)
