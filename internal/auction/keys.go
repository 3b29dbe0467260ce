package auction

import "fmt"

// Storage key layout. Provider keys sort lexicographically, which gives the
// ascending settlement order; round ids are zero-padded for the same reason.
func configKey(p Pair) []byte {
	return []byte("auction/config/" + p.String())
}

func activeKey(p Pair) []byte {
	return []byte("auction/active/" + p.String())
}

func fundsPrefix(p Pair, id uint64) []byte {
	return []byte(fmt.Sprintf("auction/funds/%s/%020d/", p, id))
}

func fundsKey(p Pair, id uint64, provider string) []byte {
	return append(fundsPrefix(p, id), []byte(provider)...)
}

func sumKey(p Pair, id uint64) []byte {
	return []byte(fmt.Sprintf("auction/sum/%s/%020d", p, id))
}

func twapKey(p Pair) []byte {
	return []byte("auction/twap/" + p.String())
}

// configPrefix spans every pair's config, used by the minimum-amount lookup.
var configPrefix = []byte("auction/config/")
