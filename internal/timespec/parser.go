// Package timespec parses the --since/--until values of block queries.
package timespec

import (
	"fmt"
	"time"
)

// BlockTimestampLayout is the UTC, zone-less layout of block timestamps, as
// carried over from the source chain.
const BlockTimestampLayout = "2006-01-02T15:04:05"

// Parse converts spec to Unix milliseconds. spec is an RFC3339 time, a block
// timestamp (read as UTC), or a Go duration meaning that long before now.
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	for _, parse := range []func(string) (int64, error){parseRFC3339, ParseBlockTimestamp, parseAgo} {
		if ms, err := parse(spec); err == nil {
			return ms, nil
		}
	}
	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m', RFC3339 like '2025-10-29T13:00:00Z' or a block timestamp)", spec)
}

func parseRFC3339(spec string) (int64, error) {
	t, err := time.Parse(time.RFC3339, spec)
	return t.UnixMilli(), err
}

func parseAgo(spec string) (int64, error) {
	d, err := time.ParseDuration(spec)
	return time.Now().Add(-d).UnixMilli(), err
}

// ParseBlockTimestamp converts a block's timestamp to Unix milliseconds.
func ParseBlockTimestamp(ts string) (int64, error) {
	t, err := time.ParseInLocation(BlockTimestampLayout, ts, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid block timestamp %q: %w", ts, err)
	}
	return t.UnixMilli(), nil
}

// ParseRange parses the --since and --until values. A zero bound is open.
func ParseRange(since, until string) (sinceMS, untilMS int64, err error) {
	bounds := []struct {
		flag string
		spec string
		out  *int64
	}{
		{"--since", since, &sinceMS},
		{"--until", until, &untilMS},
	}
	for _, b := range bounds {
		if b.spec == "" {
			continue
		}
		if *b.out, err = Parse(b.spec); err != nil {
			return 0, 0, fmt.Errorf("invalid %s: %w", b.flag, err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMS, untilMS, nil
}
