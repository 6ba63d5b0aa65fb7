package topup

import "sort"

// Packs maps a purchasable pack id to the minutes it grants.
type Packs map[string]int64

// DefaultPacks returns the packs on sale when none are configured.
func DefaultPacks() Packs {
	return Packs{
		"15min":   15,
		"30min":   30,
		"60min":   60,
		"monthly": 300,
	}
}

// Minutes returns the minutes granted by pack id.
func (p Packs) Minutes(id string) (int64, bool) {
	minutes, ok := p[id]
	return minutes, ok && minutes > 0
}

// IDs returns the pack ids in sorted order.
func (p Packs) IDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
