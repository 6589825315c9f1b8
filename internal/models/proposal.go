package models

import "time"

// ProposalStatus is the lifecycle status of a proposal. All transitions out
// of READY are terminal.
type ProposalStatus string

const (
	// ProposalReady means the proposal is eligible for entry.
	ProposalReady ProposalStatus = "READY"
	// ProposalInvalidated means a rule, price, or age check failed before any order was sent.
	ProposalInvalidated ProposalStatus = "INVALIDATED"
	// ProposalConsumed means the entry engine placed the corresponding order.
	ProposalConsumed ProposalStatus = "CONSUMED"
)

// ProposalKind distinguishes entry proposals from exit proposals.
type ProposalKind string

const (
	// ProposalKindEntry proposes opening a new spread.
	ProposalKindEntry ProposalKind = "ENTRY"
	// ProposalKindExit proposes closing a linked trade.
	ProposalKindExit ProposalKind = "EXIT"
)

// ProposalOutcome tags the user-visible outcome of a proposal's entry attempt.
type ProposalOutcome string

const (
	OutcomePending      ProposalOutcome = "PENDING"
	OutcomeFilled       ProposalOutcome = "FILLED"
	OutcomeRejected     ProposalOutcome = "REJECTED"
	OutcomeInvalidated  ProposalOutcome = "INVALIDATED"
	OutcomeNotAttempted ProposalOutcome = "NOT_ATTEMPTED"
)

// ComponentScores holds the per-component scores embedded in a proposal.
// Credit and debit scorers populate different subsets.
type ComponentScores struct {
	POP        float64 `json:"pop,omitempty"`
	Credit     float64 `json:"credit,omitempty"`
	IVR        float64 `json:"ivr,omitempty"`
	Delta      float64 `json:"delta,omitempty"`
	Liquidity  float64 `json:"liquidity,omitempty"`
	Skew       float64 `json:"skew,omitempty"`
	Trend      float64 `json:"trend,omitempty"`
	RewardRisk float64 `json:"reward_risk,omitempty"`
}

// Proposal is a scored trade candidate persisted READY for the entry engine.
type Proposal struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Expiration    time.Time       `json:"expiration"`
	Strategy      Strategy        `json:"strategy"`
	Kind          ProposalKind    `json:"kind"`
	Status        ProposalStatus  `json:"status"`
	Outcome       ProposalOutcome `json:"outcome"`
	ShortStrike   float64         `json:"short_strike"`
	LongStrike    float64         `json:"long_strike"`
	Width         float64         `json:"width"`
	Quantity      int             `json:"quantity"`
	CreditTarget  float64         `json:"credit_target"`
	Score         float64         `json:"score"`
	Components    ComponentScores `json:"components"`
	LinkedTradeID string          `json:"linked_trade_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	InvalidReason string          `json:"invalid_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Age returns how long the proposal has existed.
func (p *Proposal) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// Bucket identifies the one-outstanding-proposal constraint key.
func (p *Proposal) Bucket() string {
	return p.Symbol + "|" + p.Expiration.Format("2006-01-02") + "|" + string(p.Strategy)
}
