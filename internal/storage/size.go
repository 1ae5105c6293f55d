package storage

import (
	"math"
	"strconv"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatSize renders a byte count the way result listings show it:
// bytes below 1 KB, otherwise KB, MB or GB rounded to two decimals.
func FormatSize(bytes int64) string {
	switch {
	case bytes < kib:
		return strconv.FormatInt(bytes, 10) + " bytes"
	case bytes < mib:
		return scaled(bytes, kib) + " KB"
	case bytes < gib:
		return scaled(bytes, mib) + " MB"
	default:
		return scaled(bytes, gib) + " GB"
	}
}

func scaled(bytes, unit int64) string {
	v := math.Round(float64(bytes)/float64(unit)*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64)
}
