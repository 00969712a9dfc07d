package model

import "strconv"

// HumanSize scales a byte count to B, K, M or G using base 1000 and
// truncating division: 1999 is (1, 'K').
func HumanSize(size int64) (int64, byte) {
	switch {
	case size >= 1_000_000_000:
		return size / 1_000_000_000, 'G'
	case size >= 1_000_000:
		return size / 1_000_000, 'M'
	case size >= 1_000:
		return size / 1_000, 'K'
	default:
		return size, 'B'
	}
}

// HumanSizeString renders HumanSize as "42M".
func HumanSizeString(size int64) string {
	v, unit := HumanSize(size)
	return strconv.FormatInt(v, 10) + string(unit)
}
