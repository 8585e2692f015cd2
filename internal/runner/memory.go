package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/osa-io/osa/internal/domain"
)

// memoryRegex is the accepted memory-string grammar: a decimal number with
// an optional g/m/k suffix and optional trailing i, case-insensitive.
var memoryRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(g|m|k)?i?$`)

// memoryMultipliers are binary (1024-based) regardless of the i suffix,
// matching how container runtimes interpret the short forms.
var memoryMultipliers = map[string]int64{
	"":  1,
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
}

// ParseMemory converts a memory string such as "512m", "2g" or "256Mi"
// into bytes. Empty input yields 0, meaning no limit.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	matches := memoryRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if matches == nil {
		return 0, fmt.Errorf("%w: invalid memory string %q", domain.ErrValidation, s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid memory string %q", domain.ErrValidation, s)
	}

	return int64(value * float64(memoryMultipliers[matches[2]])), nil
}

// NanoCPUs converts a fractional core count into Docker's NanoCpus unit.
func NanoCPUs(cores float64) int64 {
	if cores <= 0 {
		return 0
	}

	return int64(cores * 1e9)
}
