package core

import (
	"fmt"
	"math"
	"strings"
)

const (
	TransactionTypePurchase = "purchase"
	TransactionTypeTransfer = "transfer"
	TransactionTypeMimo     = "mimo"
)

// reconciliationTolerance is the accepted gap between value and the sum of position prices.
const reconciliationTolerance = 1e-6

// TransactionDetails is the revisioned payload of a transaction. Positions and files
// are part of the revision so they switch between draft and committed together.
type TransactionDetails struct {
	Description            string           `json:"description"`
	Value                  float64          `json:"value"`
	CurrencySymbol         string           `json:"currency_symbol"`
	CurrencyConversionRate float64          `json:"currency_conversion_rate"`
	BilledAt               Date             `json:"billed_at"`
	CreditorShares         ShareMap         `json:"creditor_shares"`
	DebitorShares          ShareMap         `json:"debitor_shares"`
	Positions              []Position       `json:"positions"`
	Files                  []FileAttachment `json:"files"`
}

func (d TransactionDetails) Clone() TransactionDetails {
	out := d
	out.CreditorShares = d.CreditorShares.Clone()
	out.DebitorShares = d.DebitorShares.Clone()
	out.Positions = make([]Position, len(d.Positions))
	for i, p := range d.Positions {
		out.Positions[i] = p.Clone()
	}
	out.Files = make([]FileAttachment, len(d.Files))
	for i, f := range d.Files {
		out.Files[i] = f.Clone()
	}
	return out
}

type (
	Transaction         = Entity[TransactionDetails]
	TransactionRevision = Revision[TransactionDetails]
)

func ValidTransactionType(t string) bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeTransfer, TransactionTypeMimo:
		return true
	}
	return false
}

// BaseValue is the transaction value converted to the group currency.
func (d TransactionDetails) BaseValue() float64 {
	return d.Value * d.CurrencyConversionRate
}

// ActivePositions returns the positions that are not deleted, in order.
func (d TransactionDetails) ActivePositions() []Position {
	out := make([]Position, 0, len(d.Positions))
	for _, p := range d.Positions {
		if !p.Deleted {
			out = append(out, p)
		}
	}
	return out
}

// UpsertPositions merges incoming positions into the details. Positions with id <= 0
// are new and receive the next free id; other ids must already exist.
func (d *TransactionDetails) UpsertPositions(incoming []Position) error {
	index := make(map[int64]int, len(d.Positions))
	var maxID int64
	for i, p := range d.Positions {
		index[p.ID] = i
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	for _, p := range incoming {
		p = p.Clone()
		if p.Usages == nil {
			p.Usages = ShareMap{}
		}
		if p.ID <= 0 {
			maxID++
			p.ID = maxID
			index[p.ID] = len(d.Positions)
			d.Positions = append(d.Positions, p)
			continue
		}
		i, ok := index[p.ID]
		if !ok {
			return &NotFoundError{Kind: "position", ID: p.ID}
		}
		d.Positions[i] = p
	}
	return nil
}

// AddFile appends an attachment and returns its assigned id.
func (d *TransactionDetails) AddFile(f FileAttachment) int64 {
	var maxID int64
	for _, existing := range d.Files {
		if existing.ID > maxID {
			maxID = existing.ID
		}
	}
	f.ID = maxID + 1
	d.Files = append(d.Files, f.Clone())
	return f.ID
}

// File returns a pointer into Files for in-place edits of a draft.
func (d *TransactionDetails) File(id int64) (*FileAttachment, error) {
	for i := range d.Files {
		if d.Files[i].ID == id {
			return &d.Files[i], nil
		}
	}
	return nil, &NotFoundError{Kind: "file", ID: id}
}

// ValidateTransaction checks a draft before commit.
func ValidateTransaction(tx *Transaction, rev *TransactionRevision, validAccounts map[int64]struct{}) error {
	var errs ValidationErrors
	d := rev.Details
	if math.IsNaN(d.Value) || math.IsInf(d.Value, 0) || d.Value < 0 {
		errs.add("value", "must be a finite number >= 0")
	}
	if !(d.CurrencyConversionRate > 0) || math.IsInf(d.CurrencyConversionRate, 0) {
		errs.add("currency_conversion_rate", "must be > 0")
	}
	if strings.TrimSpace(d.CurrencySymbol) == "" {
		errs.add("currency_symbol", "must not be empty")
	}
	if err := d.BilledAt.Validate(); err != nil {
		errs.add("billed_at", "%v", err)
	}
	if len(d.Description) > 500 {
		errs.add("description", "too long (max 500 characters)")
	}
	if len(d.CreditorShares) == 0 {
		errs.add("creditor_shares", "at least one creditor is required")
	}
	if len(d.DebitorShares) == 0 {
		errs.add("debitor_shares", "at least one debitor is required")
	}
	errs = append(errs, d.CreditorShares.Validate("creditor_shares", validAccounts)...)
	errs = append(errs, d.DebitorShares.Validate("debitor_shares", validAccounts)...)

	switch tx.Type {
	case TransactionTypeTransfer:
		if len(d.CreditorShares) > 1 {
			errs.add("creditor_shares", "a transfer has exactly one creditor")
		}
		if len(d.DebitorShares) > 1 {
			errs.add("debitor_shares", "a transfer has exactly one debitor")
		}
		if len(d.ActivePositions()) > 0 {
			errs.add("positions", "a transfer cannot have positions")
		}
	case TransactionTypePurchase:
		if len(d.CreditorShares) > 1 {
			errs.add("creditor_shares", "a purchase has exactly one creditor")
		}
	}

	for i, p := range d.Positions {
		if p.Deleted {
			continue
		}
		errs = append(errs, p.validate(i, validAccounts)...)
	}
	return errs.Err()
}

// Advisory is a soft finding that never blocks a commit.
type Advisory struct {
	TransactionID int64  `json:"transaction_id"`
	Message       string `json:"message"`
}

// AccountIDs returns every account the revision distributes money to or from, in
// ascending order: creditors, debitors and users of active positions.
func (d TransactionDetails) AccountIDs() []int64 {
	seen := make(map[int64]struct{})
	for id := range d.CreditorShares {
		seen[id] = struct{}{}
	}
	for id := range d.DebitorShares {
		seen[id] = struct{}{}
	}
	for _, p := range d.ActivePositions() {
		for id := range p.Usages {
			seen[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return sortedIDs(out)
}

// Advisories reports soft inconsistencies of the given revision, such as positions
// that add up to more than the transaction value.
func Advisories(txID int64, d TransactionDetails) []Advisory {
	var out []Advisory
	var sum float64
	active := d.ActivePositions()
	for _, p := range active {
		sum += p.Price
	}
	if len(active) > 0 && sum-d.Value > reconciliationTolerance {
		out = append(out, Advisory{
			TransactionID: txID,
			Message:       fmt.Sprintf("positions sum to %.2f which exceeds the transaction value %.2f", sum, d.Value),
		})
	}
	for _, p := range active {
		if !p.Liquidated() {
			out = append(out, Advisory{
				TransactionID: txID,
				Message:       fmt.Sprintf("position %d (%s) is not assigned to anyone", p.ID, p.Name),
			})
		}
	}
	return out
}
