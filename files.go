/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"strconv"
)

const siPrefixes = "kMGTPE"

// humanReadableSize formats a byte count with SI prefixes, e.g. "12.3 kB".
func humanReadableSize(n int64) string {
	if n < 0 {
		return "-" + humanReadableSize(-n)
	}

	const unit = 1000
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}

	value := float64(n)
	exp := 0
	for value >= unit && exp < len(siPrefixes) {
		value /= unit
		exp++
	}

	return strconv.FormatFloat(value, 'f', 1, 64) + " " + siPrefixes[exp-1:exp] + "B"
}
