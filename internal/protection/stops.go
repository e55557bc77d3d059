package protection

import (
	"fmt"
	"sort"

	"github.com/calebwestray/protectbot/internal/domain"
)

// StopRung maps an R threshold to the R the protective stop locks in once
// the threshold is reached.
type StopRung struct {
	TriggerR float64
	LockR    float64
}

// StopLadder is the rung set in ascending trigger order.
type StopLadder []StopRung

// DefaultStopLadder moves the stop to breakeven at 1R and then trails it one
// rung behind the profit schedule.
func DefaultStopLadder() StopLadder {
	return StopLadder{
		{TriggerR: 1.0, LockR: 0.0},
		{TriggerR: 2.0, LockR: 1.0},
		{TriggerR: 3.0, LockR: 1.5},
		{TriggerR: 4.0, LockR: 2.0},
	}
}

// Validate checks that triggers ascend strictly and each rung locks no more
// than it triggers at.
func (l StopLadder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("protection: stop ladder is empty")
	}
	for i, r := range l {
		if i > 0 && r.TriggerR <= l[i-1].TriggerR {
			return fmt.Errorf("protection: stop ladder triggers must ascend: rung %d", i)
		}
		if r.LockR >= r.TriggerR {
			return fmt.Errorf("protection: stop ladder rung %d locks %.2fR at trigger %.2fR", i, r.LockR, r.TriggerR)
		}
	}
	return nil
}

// StopProposal is a single stop adjustment the coordinator should apply.
type StopProposal struct {
	Price    float64
	TriggerR float64
	LockR    float64
}

// StopManager proposes protective stop moves from the ladder. It is
// stateless; progress lives on the position (StopRungApplied), so proposals
// survive restarts and each rung fires exactly once.
type StopManager struct {
	ladder StopLadder
}

// NewStopManager copies and sorts the ladder.
func NewStopManager(ladder StopLadder) (*StopManager, error) {
	l := make(StopLadder, len(ladder))
	copy(l, ladder)
	sort.Slice(l, func(i, j int) bool { return l[i].TriggerR < l[j].TriggerR })
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &StopManager{ladder: l}, nil
}

// Propose returns the stop move due at the position's current R-multiple,
// or ok=false when no move is due. The highest rung whose trigger the
// R-multiple has reached (ties count) wins; a gap through several rungs
// yields a single proposal at the best lock. Proposals that would not
// strictly improve the active stop are suppressed, so the stop only
// ratchets and a retrace can never loosen it.
func (m *StopManager) Propose(p domain.Position) (StopProposal, bool) {
	var best *StopRung
	for i := range m.ladder {
		rung := m.ladder[i]
		if p.RMultiple < rung.TriggerR {
			break
		}
		if rung.TriggerR <= p.StopRungApplied {
			continue
		}
		best = &m.ladder[i]
	}
	if best == nil {
		return StopProposal{}, false
	}

	price := p.EntryPrice + p.Side.Sign()*best.LockR*p.InitialRiskPerUnit
	if !Improves(p.Side, price, p.ActiveStopPrice) {
		return StopProposal{}, false
	}
	return StopProposal{Price: price, TriggerR: best.TriggerR, LockR: best.LockR}, true
}

// Improves reports whether candidate is a strictly tighter stop than
// current for the given side. Equal prices do not improve.
func Improves(side domain.Side, candidate, current float64) bool {
	return side.Sign()*(candidate-current) > 0
}
