package vmmodel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MemorySize is a byte count with a lenient, human-friendly parser and a
// human_readable() rendering, ported from the source daemon's memory_size
// utility: it accepts forms such as "3M", "2.5GiB", "1024", "512K" and
// "10B" (see ParseMemorySize for the exact grammar).
type MemorySize int64

const (
	kibi int64 = 1024
	mebi       = kibi * 1024
	gibi       = mebi * 1024
)

var memsizePattern = regexp.MustCompile(`(?i)^\s*(\d+)(?:\.(\d+))?\s*([KMG]i?B?|B)?\s*$`)

// InvalidMemorySizeError is returned by ParseMemorySize for input that does
// not match the accepted grammar.
type InvalidMemorySizeError struct {
	Input string
}

func (e *InvalidMemorySizeError) Error() string {
	return fmt.Sprintf("invalid memory size %q", e.Input)
}

// ParseMemorySize accepts \d+(\.\d+)?[KMG]i?B?, case-insensitive, bare
// byte counts ("1024"), and whole byte counts with a "B" suffix ("10b"),
// with optional surrounding whitespace. A fraction with no K/M/G unit
// ("5.5", "1.5B") and anything else is rejected.
func ParseMemorySize(val string) (MemorySize, error) {
	m := memsizePattern.FindStringSubmatch(val)
	if m == nil {
		return 0, &InvalidMemorySizeError{Input: val}
	}

	whole, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &InvalidMemorySizeError{Input: val}
	}

	unit := strings.ToUpper(m[3])
	var multiplier int64 = 1
	switch {
	case strings.HasPrefix(unit, "G"):
		multiplier = gibi
	case strings.HasPrefix(unit, "M"):
		multiplier = mebi
	case strings.HasPrefix(unit, "K"):
		multiplier = kibi
	}

	bytes := whole * multiplier

	if m[2] != "" {
		if multiplier == 1 {
			// A decimal mantissa with no unit ("3.5") is not part of the
			// accepted grammar in practice, since it only appears when a
			// unit letter follows in the source pattern; treat it as
			// invalid rather than silently truncating.
			return 0, &InvalidMemorySizeError{Input: val}
		}
		mantissa, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, &InvalidMemorySizeError{Input: val}
		}
		scale := int64(1)
		for i := 0; i < len(m[2]); i++ {
			scale *= 10
		}
		bytes += mantissa * multiplier / scale
	}

	return MemorySize(bytes), nil
}

func (m MemorySize) InBytes() int64     { return int64(m) }
func (m MemorySize) InKilobytes() int64 { return int64(m) / kibi }
func (m MemorySize) InMegabytes() int64 { return int64(m) / mebi }
func (m MemorySize) InGigabytes() int64 { return int64(m) / gibi }

// HumanReadable renders the largest whole unit with one decimal place, e.g.
// "1.5GiB", falling back to a plain byte count.
func (m MemorySize) HumanReadable() string {
	units := []struct {
		size   int64
		suffix string
	}{
		{gibi, "GiB"},
		{mebi, "MiB"},
		{kibi, "KiB"},
	}
	for _, u := range units {
		if quotient := float64(m) / float64(u.size); quotient >= 1 {
			return fmt.Sprintf("%.1f%s", quotient, u.suffix)
		}
	}
	return fmt.Sprintf("%dB", int64(m))
}
