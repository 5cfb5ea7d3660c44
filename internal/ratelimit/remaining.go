package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// Remaining is the parsed Remaining-Req response header, e.g.
// "group=order; min=1799; sec=29".
type Remaining struct {
	Group string
	Min   int64
	Sec   int64
	Valid bool
}

// ParseRemaining extracts the per-group quota feedback from the response
// headers. A missing or malformed header yields Valid=false; the governor
// then relies on local bucket state alone.
func ParseRemaining(header http.Header) Remaining {
	raw := header.Get("Remaining-Req")
	if raw == "" {
		return Remaining{}
	}

	r := Remaining{Min: -1, Sec: -1}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch key {
		case "group":
			r.Group = val
		case "min":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				r.Min = n
			}
		case "sec":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				r.Sec = n
			}
		}
	}

	r.Valid = r.Group != "" && r.Min >= 0 && r.Sec >= 0
	return r
}
