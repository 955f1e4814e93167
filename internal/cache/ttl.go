package cache

import (
	"strconv"
	"strings"
	"time"
)

// Directives holds the Cache-Control directives that affect how long a
// gateway response may be kept.
type Directives struct {
	MaxAge     time.Duration
	SMaxAge    time.Duration
	HasMaxAge  bool
	HasSMaxAge bool
	NoCache    bool
	NoStore    bool
	Private    bool
	Immutable  bool
}

// ParseCacheControl parses a Cache-Control header. Unknown directives and
// malformed values are ignored.
func ParseCacheControl(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if hasValue {
			seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
			if err != nil || seconds < 0 {
				continue
			}
			switch name {
			case "max-age":
				d.MaxAge, d.HasMaxAge = time.Duration(seconds)*time.Second, true
			case "s-maxage":
				d.SMaxAge, d.HasSMaxAge = time.Duration(seconds)*time.Second, true
			}
			continue
		}
		switch name {
		case "no-cache":
			d.NoCache = true
		case "no-store":
			d.NoStore = true
		case "private":
			d.Private = true
		case "immutable":
			d.Immutable = true
		}
	}
	return d
}

// TTL derives a lifetime from the directives. ok is false when the header
// says nothing about lifetime. Do-not-cache directives win and yield zero;
// s-maxage beats max-age.
func (d Directives) TTL() (time.Duration, bool) {
	switch {
	case d.NoCache || d.NoStore || d.Private:
		return 0, true
	case d.HasSMaxAge:
		return d.SMaxAge, true
	case d.HasMaxAge:
		return d.MaxAge, true
	}
	return 0, false
}

// Outcome classifies a resolution for TTL purposes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TTLPolicy maps a resolution outcome to a cache lifetime.
type TTLPolicy struct {
	Success time.Duration
	Failure time.Duration
	// Ceiling caps every lifetime. Zero means no cap.
	Ceiling time.Duration
	// FollowCacheControl lets a gateway's Cache-Control header override
	// Success for successful fetches.
	FollowCacheControl bool
}

// Effective returns the lifetime for an outcome; zero means do not cache.
// headers are lower-cased response headers.
//
// Precedence:
//  1. failure -> Failure
//  2. Cache-Control from the gateway, when FollowCacheControl is set
//  3. Success
//
// and the result is capped by Ceiling.
func (p TTLPolicy) Effective(outcome Outcome, headers map[string]string) time.Duration {
	var ttl time.Duration
	switch outcome {
	case OutcomeFailure:
		ttl = p.Failure
	case OutcomeSuccess:
		ttl = p.Success
		if p.FollowCacheControl {
			if header, ok := headers["cache-control"]; ok {
				if fromHeader, ok := ParseCacheControl(header).TTL(); ok {
					ttl = fromHeader
				}
			}
		}
	default:
		return 0
	}
	if ttl <= 0 {
		return 0
	}
	if p.Ceiling > 0 && ttl > p.Ceiling {
		ttl = p.Ceiling
	}
	return ttl
}
