package utils

import (
	"fmt"
	"time"
)

// DateLayout is the date format of report periods and sync windows.
const DateLayout = "2006-01-02"

// ParseDate parses a date in DateLayout.
func ParseDate(dateStr string) (time.Time, error) {
	t, err := time.Parse(DateLayout, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", dateStr)
	}
	return t, nil
}

// TrailingWindow returns the start and end dates of the lookback window
// ending at end.
func TrailingWindow(end time.Time, lookback time.Duration) (string, string) {
	end = end.UTC()
	return end.Add(-lookback).Format(DateLayout), end.Format(DateLayout)
}
