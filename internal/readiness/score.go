// Package readiness computes the composite trade readiness score from the
// trade's escrow funding and three external signals: counterparty trust,
// certificate compliance and logistics.
//
// Scoring is pure integer arithmetic. Signal collection degrades to the
// last-known value or a conservative default and never fails the caller.
package readiness

import (
	"sort"
	"strings"
	"time"

	"github.com/mbd888/tradeflow/internal/ledger"
)

// Component is one input to the composite score.
type Component string

const (
	ComponentFinancial  Component = "financial"
	ComponentTrust      Component = "trust"
	ComponentCompliance Component = "compliance"
	ComponentLogistics  Component = "logistics"
)

// componentOrder breaks severity ties when sorting blockers.
var componentOrder = map[Component]int{
	ComponentFinancial:  0,
	ComponentTrust:      1,
	ComponentCompliance: 2,
	ComponentLogistics:  3,
}

// State is how fresh a component's input is.
type State string

const (
	StateKnown   State = "known"
	StateStale   State = "stale"
	StateUnknown State = "unknown"
)

// Status is the readiness verdict.
type Status string

const (
	StatusReady   Status = "ready"
	StatusWarning Status = "warning"
	StatusBlocked Status = "blocked"
)

// Severity ranks blockers.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	default:
		return 2
	}
}

// ComplianceLevel summarizes certificate verification.
type ComplianceLevel string

const (
	ComplianceCompliant ComplianceLevel = "compliant"
	CompliancePartial   ComplianceLevel = "partial"
	ComplianceNone      ComplianceLevel = "none"
)

// Normalize case-folds l. Unrecognised levels read as ComplianceNone; an
// empty level stays empty so the numeric score applies.
func (l ComplianceLevel) Normalize() ComplianceLevel {
	switch n := ComplianceLevel(strings.ToLower(strings.TrimSpace(string(l)))); n {
	case "", ComplianceCompliant, CompliancePartial, ComplianceNone:
		return n
	}
	return ComplianceNone
}

// Score maps a level to its component score.
func (l ComplianceLevel) Score() int {
	switch l {
	case ComplianceCompliant:
		return 100
	case CompliancePartial:
		return 50
	default:
		return 0
	}
}

// Signal is a provider's reading for one company.
type Signal struct {
	Score     int             `json:"score"`
	Level     ComplianceLevel `json:"level,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Reading is a signal plus how it was obtained.
type Reading struct {
	Signal Signal
	State  State
}

// Input is everything Score needs.
type Input struct {
	TradeID      string
	EscrowStatus ledger.EscrowStatus // empty when the trade has no escrow yet
	Trust        Reading
	Compliance   Reading
	Logistics    Reading
	EvaluatedAt  time.Time
}

// ComponentScore is one component of a snapshot.
type ComponentScore struct {
	Score     int        `json:"score"`
	State     State      `json:"state"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Components groups the four component scores.
type Components struct {
	Trust      ComponentScore `json:"trust"`
	Compliance ComponentScore `json:"compliance"`
	Financial  ComponentScore `json:"financial"`
	Logistics  ComponentScore `json:"logistics"`
}

// Blocker is a reason the trade is not ready, with a suggested action.
type Blocker struct {
	Component Component `json:"component"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Action    string    `json:"action"`
}

// Snapshot is a computed readiness result. It is never persisted.
type Snapshot struct {
	TradeID     string     `json:"tradeId"`
	Score       int        `json:"score"`
	Status      Status     `json:"status"`
	Components  Components `json:"components"`
	Blockers    []Blocker  `json:"blockers"`
	EvaluatedAt time.Time  `json:"evaluatedAt"`
}

// Score computes a snapshot with the default policy.
func Score(in Input) Snapshot {
	return DefaultPolicy().Score(in)
}

// FinancialScore maps an escrow status to the financial component.
func FinancialScore(s ledger.EscrowStatus) int {
	switch s {
	case ledger.EscrowHeld, ledger.EscrowReleased, ledger.EscrowPartiallyReleased:
		return 100
	case ledger.EscrowPending:
		return 50
	default:
		return 0
	}
}

// Score computes a snapshot under p.
func (p Policy) Score(in Input) Snapshot {
	trust := p.component(in.Trust, false)
	compliance := p.component(in.Compliance, true)
	logistics := p.component(in.Logistics, false)
	financial := ComponentScore{Score: FinancialScore(in.EscrowStatus), State: StateKnown}

	w := p.Weights
	sum := w.Trust*trust.Score + w.Compliance*compliance.Score + w.Financial*financial.Score + w.Logistics*logistics.Score
	score := (sum + 50) / 100

	snap := Snapshot{
		TradeID: in.TradeID,
		Score:   score,
		Status:  p.status(score),
		Components: Components{
			Trust:      trust,
			Compliance: compliance,
			Financial:  financial,
			Logistics:  logistics,
		},
		Blockers:    p.blockers(in, trust, logistics),
		EvaluatedAt: in.EvaluatedAt,
	}
	return snap
}

func (p Policy) component(r Reading, compliance bool) ComponentScore {
	if r.State == StateUnknown || r.State == "" {
		return ComponentScore{Score: p.DefaultScore, State: StateUnknown}
	}
	score := clamp(r.Signal.Score)
	if level := r.Signal.Level.Normalize(); compliance && level != "" {
		score = level.Score()
	}
	cs := ComponentScore{Score: score, State: r.State}
	if !r.Signal.UpdatedAt.IsZero() {
		at := r.Signal.UpdatedAt
		cs.UpdatedAt = &at
	}
	return cs
}

func (p Policy) status(score int) Status {
	switch {
	case score >= p.Thresholds.Ready:
		return StatusReady
	case score >= p.Thresholds.Warning:
		return StatusWarning
	default:
		return StatusBlocked
	}
}

func (p Policy) blockers(in Input, trust, logistics ComponentScore) []Blocker {
	out := []Blocker{}

	if FinancialScore(in.EscrowStatus) < 100 {
		out = append(out, Blocker{
			Component: ComponentFinancial,
			Severity:  SeverityCritical,
			Message:   "escrow is not fully funded",
			Action:    "Fund the escrow account with the full agreed amount",
		})
	}

	switch {
	case trust.State == StateUnknown:
		out = append(out, unavailable(ComponentTrust))
	case trust.Score < p.MinTrust:
		out = append(out, Blocker{
			Component: ComponentTrust,
			Severity:  SeverityHigh,
			Message:   "counterparty trust score is below the minimum",
			Action:    "Request trade references or use a verified counterparty",
		})
	}

	switch {
	case in.Compliance.State == StateUnknown || in.Compliance.State == "":
		out = append(out, unavailable(ComponentCompliance))
	default:
		level := in.Compliance.Signal.Level.Normalize()
		if level == "" {
			level = levelFromScore(in.Compliance.Signal.Score)
		}
		switch level {
		case ComplianceNone:
			out = append(out, Blocker{
				Component: ComponentCompliance,
				Severity:  SeverityHigh,
				Message:   "no certificates are verified",
				Action:    "Upload and verify the required product certificates",
			})
		case CompliancePartial:
			out = append(out, Blocker{
				Component: ComponentCompliance,
				Severity:  SeverityMedium,
				Message:   "some certificates are not verified",
				Action:    "Complete verification of the remaining certificates",
			})
		}
	}

	switch {
	case logistics.State == StateUnknown:
		out = append(out, unavailable(ComponentLogistics))
	case logistics.Score < p.MinLogistics:
		out = append(out, Blocker{
			Component: ComponentLogistics,
			Severity:  SeverityMedium,
			Message:   "logistics readiness is low",
			Action:    "Confirm carrier booking and shipping documents",
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.rank(), out[j].Severity.rank(); ri != rj {
			return ri < rj
		}
		return componentOrder[out[i].Component] < componentOrder[out[j].Component]
	})
	return out
}

func unavailable(c Component) Blocker {
	return Blocker{
		Component: c,
		Severity:  SeverityMedium,
		Message:   "signal unavailable",
		Action:    "Retry later; the " + string(c) + " provider did not respond",
	}
}

func levelFromScore(score int) ComplianceLevel {
	switch {
	case score >= 100:
		return ComplianceCompliant
	case score > 0:
		return CompliancePartial
	default:
		return ComplianceNone
	}
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
