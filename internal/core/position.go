package core

import (
	"fmt"
	"math"
)

// Position is a line item of a transaction, split by usages and communist shares.
type Position struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Price           float64  `json:"price"`
	CommunistShares float64  `json:"communist_shares"`
	Usages          ShareMap `json:"usages"`
	Deleted         bool     `json:"deleted"`
}

func (p Position) Clone() Position {
	out := p
	out.Usages = p.Usages.Clone()
	return out
}

// TotalWeight is the sum of all usage weights plus the communist share.
func (p Position) TotalWeight() float64 {
	return p.Usages.Total() + p.CommunistShares
}

// Liquidated reports whether the position can be attributed to anyone.
func (p Position) Liquidated() bool {
	return p.TotalWeight() > 0
}

// Split attributes amount (normally the position price, possibly converted) to accounts.
// The communist portion goes evenly to the keys of debitors. ok is false when the
// position has no weight at all, or when a communist portion has nobody to go to.
func (p Position) Split(amount float64, debitors ShareMap) (shares map[int64]float64, ok bool) {
	w := p.TotalWeight()
	if w <= 0 {
		return nil, false
	}
	shares = make(map[int64]float64, len(p.Usages)+len(debitors))
	for id, u := range p.Usages {
		shares[id] += amount * u / w
	}
	if p.CommunistShares > 0 {
		if len(debitors) == 0 {
			return nil, false
		}
		each := amount * p.CommunistShares / w / float64(len(debitors))
		for id := range debitors {
			shares[id] += each
		}
	}
	return shares, true
}

func (p Position) validate(index int, validAccounts map[int64]struct{}) ValidationErrors {
	var errs ValidationErrors
	field := fmt.Sprintf("positions[%d]", index)
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		errs.add(field+".price", "must be a finite number")
	}
	if p.CommunistShares < 0 || math.IsNaN(p.CommunistShares) || math.IsInf(p.CommunistShares, 0) {
		errs.add(field+".communist_shares", "must be a finite number >= 0")
	}
	errs = append(errs, p.Usages.Validate(field+".usages", validAccounts)...)
	return errs
}

// PositionRef identifies a position that could not be attributed.
type PositionRef struct {
	TransactionID int64 `json:"transaction_id"`
	PositionID    int64 `json:"position_id"`
}
