package ingest

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrSchema is returned when a source lacks required columns or cannot form a
// valid table.
var ErrSchema = errors.New("schema mismatch")

const (
	FlagEmptyCity     = "empty_city"
	FlagDuplicateCity = "duplicate_city"
	FlagMissingValue  = "missing_value"
	FlagNotNumeric    = "not_numeric"
	FlagNonFinite     = "non_finite"
	FlagBadYear       = "bad_year"
)

// Rejection records a source row left out of a table and why.
type Rejection struct {
	Line  int // 1-based, header is line 1
	City  string
	Flags []string
}

// ParseValue reads a numeric cell. An empty cell yields FlagMissingValue.
func ParseValue(cell string) (float64, string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, FlagMissingValue
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, FlagNotNumeric
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, FlagNonFinite
	}
	return v, ""
}

var yearLayouts = []string{"2006-01-02", "2006-01", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"}

// ParseYear normalizes the year encodings seen in sources: plain integers,
// integral floats such as "2019.0", and dates.
func ParseYear(cell string) (int, bool) {
	cell = strings.TrimSpace(cell)
	if y, err := strconv.Atoi(cell); err == nil {
		return y, true
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int(f), true
	}
	for _, layout := range yearLayouts {
		if t, err := time.Parse(layout, cell); err == nil {
			return t.Year(), true
		}
	}
	return 0, false
}

func addFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
