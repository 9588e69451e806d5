package ledger

import (
	"fmt"
	"math"
	"sort"
)

// Cost is a price expressed in both credit types.
type Cost struct {
	SCRD Credits
	ECRD Credits
}

// Of returns the component for a credit type.
func (cost Cost) Of(creditType CreditType) Credits {
	if creditType == CreditTypeECRD {
		return cost.ECRD
	}
	return cost.SCRD
}

// IsZero reports whether nothing is charged in either credit type.
func (cost Cost) IsZero() bool {
	return cost.SCRD == 0 && cost.ECRD == 0
}

// Times multiplies both components by quantity.
func (cost Cost) Times(quantity int64) (Cost, error) {
	if quantity < 1 {
		return Cost{}, fmt.Errorf("%w: must be at least 1", ErrInvalidQuantity)
	}
	scrd, ok := multiplyCredits(cost.SCRD, quantity)
	if !ok {
		return Cost{}, fmt.Errorf("%w: cost overflow", ErrInvalidQuantity)
	}
	ecrd, ok := multiplyCredits(cost.ECRD, quantity)
	if !ok {
		return Cost{}, fmt.Errorf("%w: cost overflow", ErrInvalidQuantity)
	}
	return Cost{SCRD: scrd, ECRD: ecrd}, nil
}

func multiplyCredits(amount Credits, quantity int64) (Credits, bool) {
	if amount == 0 {
		return 0, true
	}
	if amount.Int64() > math.MaxInt64/quantity {
		return 0, false
	}
	return Credits(amount.Int64() * quantity), true
}

// CostEntry prices one metered action.
type CostEntry struct {
	Action      ActionID
	Cost        Cost
	Description string
}

// CostTable is an immutable action → cost lookup.
type CostTable struct {
	entries map[string]CostEntry
}

// NewCostTable validates entries and builds a lookup table.
func NewCostTable(entries []CostEntry) (*CostTable, error) {
	table := &CostTable{entries: make(map[string]CostEntry, len(entries))}
	for _, entry := range entries {
		if entry.Action.String() == "" {
			return nil, fmt.Errorf("%w: empty action", ErrInvalidCostTable)
		}
		if entry.Cost.SCRD < 0 || entry.Cost.ECRD < 0 {
			return nil, fmt.Errorf("%w: %s has a negative cost", ErrInvalidCostTable, entry.Action.String())
		}
		if entry.Cost.IsZero() {
			return nil, fmt.Errorf("%w: %s has no cost", ErrInvalidCostTable, entry.Action.String())
		}
		if _, exists := table.entries[entry.Action.String()]; exists {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidCostTable, entry.Action.String())
		}
		table.entries[entry.Action.String()] = entry
	}
	return table, nil
}

// Lookup returns the entry for action. A missing action is never free.
func (table *CostTable) Lookup(action ActionID) (CostEntry, error) {
	if table == nil {
		return CostEntry{}, fmt.Errorf("%w: %s", ErrUnknownAction, action.String())
	}
	entry, ok := table.entries[action.String()]
	if !ok {
		return CostEntry{}, fmt.Errorf("%w: %s", ErrUnknownAction, action.String())
	}
	return entry, nil
}

// Entries returns every entry sorted by action id.
func (table *CostTable) Entries() []CostEntry {
	if table == nil {
		return nil
	}
	entries := make([]CostEntry, 0, len(table.entries))
	for _, entry := range table.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].Action.String() < entries[right].Action.String()
	})
	return entries
}
