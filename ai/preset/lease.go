package preset

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// sessionLease is the lease length behind the --session shorthand.
	sessionLease = 24 * time.Hour
	// maxLease caps any explicit lease duration.
	maxLease = 90 * 24 * time.Hour
)

// ErrBadDuration is returned for lease specs that parse to nothing valid.
var ErrBadDuration = errors.New("无效的时长格式，支持 Nm/Nh/Nd 或 --session")

// ParseLeaseDuration interprets an active-binding lease spec:
//
//	""          -> nil (permanent)
//	"--session" -> 24h
//	"Nm"        -> N minutes
//	"Nh"        -> N hours
//	"Nd"        -> N days
//
// Durations must be positive and at most 90 days.
func ParseLeaseDuration(spec string) (*time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if spec == "--session" {
		d := sessionLease
		return &d, nil
	}
	if len(spec) < 2 {
		return nil, ErrBadDuration
	}

	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n <= 0 {
		return nil, ErrBadDuration
	}

	var d time.Duration
	switch spec[len(spec)-1] {
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	default:
		return nil, ErrBadDuration
	}
	if d > maxLease {
		return nil, ErrBadDuration
	}
	return &d, nil
}
