package domain

import (
	"fmt"
	"strconv"
	"time"
)

// MarshalJSON encodes the time as epoch seconds with millisecond precision.
func (t EpochTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	secs := float64(t.UnixMilli()) / 1000
	return []byte(strconv.FormatFloat(secs, 'f', 3, 64)), nil
}

// UnmarshalJSON accepts epoch seconds (integer or fractional) or null.
func (t *EpochTime) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" || raw == "" {
		t.Time = time.Time{}
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("epoch time %q: %w", raw, err)
	}
	t.Time = time.UnixMilli(int64(secs * 1000)).UTC()
	return nil
}
