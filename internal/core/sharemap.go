package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ShareMap assigns a positive weight to each account taking part in a split.
// A weight of zero is represented by the absence of the key.
type ShareMap map[int64]float64

// NewShareMap copies entries into a canonical ShareMap, dropping zero weights.
func NewShareMap(entries map[int64]float64) ShareMap {
	m := make(ShareMap, len(entries))
	for id, w := range entries {
		m.Set(id, w)
	}
	return m
}

// Set stores weight for the account, deleting the key when weight is zero.
func (m ShareMap) Set(accountID int64, weight float64) {
	if weight == 0 {
		delete(m, accountID)
		return
	}
	m[accountID] = weight
}

// Total is the sum of all weights.
func (m ShareMap) Total() float64 {
	var total float64
	for _, w := range m {
		total += w
	}
	return total
}

// Keys returns the account ids in ascending order.
func (m ShareMap) Keys() []int64 {
	keys := make([]int64, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (m ShareMap) Clone() ShareMap {
	out := make(ShareMap, len(m))
	for id, w := range m {
		out[id] = w
	}
	return out
}

func (m ShareMap) Equal(other ShareMap) bool {
	if len(m) != len(other) {
		return false
	}
	for id, w := range m {
		ow, ok := other[id]
		if !ok || ow != w {
			return false
		}
	}
	return true
}

// Validate reports every key outside validAccounts and every weight <= 0.
// field names the map in the returned errors (e.g. "debitor_shares").
func (m ShareMap) Validate(field string, validAccounts map[int64]struct{}) ValidationErrors {
	var errs ValidationErrors
	for _, id := range m.Keys() {
		w := m[id]
		if _, ok := validAccounts[id]; !ok {
			errs = append(errs, &UnknownAccountError{Field: field, AccountID: id})
		}
		if !(w > 0) || math.IsInf(w, 0) {
			errs = append(errs, &NegativeWeightError{Field: field, AccountID: id, Weight: w})
		}
	}
	return errs
}

// Split divides amount across the accounts proportionally to their weights.
// It returns nil for an empty map or a non-positive total.
func (m ShareMap) Split(amount float64) map[int64]float64 {
	total := m.Total()
	if len(m) == 0 || total <= 0 {
		return nil
	}
	out := make(map[int64]float64, len(m))
	for id, w := range m {
		out[id] = amount * w / total
	}
	return out
}

// MarshalJSON writes account ids as decimal string keys in ascending order.
func (m ShareMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatInt(id, 10)))
		buf.WriteByte(':')
		v, err := json.Marshal(m[id])
		if err != nil {
			return nil, fmt.Errorf("share for account %d: %w", id, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts {"<int>": <number or numeric string>}.
// Keys are normalized to int64 here and nowhere else.
func (m *ShareMap) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = ShareMap{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected an object mapping account ids to weights: %w", err)
	}
	out := make(ShareMap, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return fmt.Errorf("share key %q is not an account id", k)
		}
		w, err := parseWeight(v)
		if err != nil {
			return fmt.Errorf("share for account %d: %w", id, err)
		}
		if _, dup := out[id]; dup {
			return fmt.Errorf("account %d listed twice", id)
		}
		out[id] = w
	}
	*m = out
	return nil
}

func parseWeight(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("weight must be a number")
	}
	f, err := ParseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("weight %q is not a number", s)
	}
	return f, nil
}
