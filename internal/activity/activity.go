// Package activity defines the platform-neutral activity model and the
// fingerprinting scheme used to identify the same real-world activity
// across accounts.
package activity

import (
	"strings"
	"time"
)

// Type is a normalized activity type shared across platforms.
type Type string

const (
	Running        Type = "running"
	Cycling        Type = "cycling"
	Swimming       Type = "swimming"
	Hiking         Type = "hiking"
	TrailRunning   Type = "trail_running"
	Mountaineering Type = "mountaineering"
	IndoorRun      Type = "indoor_run"
	Walking        Type = "walking"
	Other          Type = "other"
)

// ParseType normalizes a platform-reported type string. Unknown types are
// passed through lowercased so platform-specific types still round-trip.
func ParseType(s string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "run", "treadmill_running":
		return Running
	case "ride", "road_biking", "virtual_ride":
		return Cycling
	case "lap_swimming", "open_water_swimming":
		return Swimming
	case "trail_run":
		return TrailRunning
	case "":
		return Other
	}
	return t
}

// Summary is the lightweight activity descriptor returned by a listing.
// (AccountID, RemoteID) is unique within an account's catalog; RemoteID is
// the durable identity, everything else is display and matching metadata.
type Summary struct {
	AccountID string
	RemoteID  string
	StartTime time.Time // UTC
	Duration  time.Duration
	Type      Type
	Distance  float64 // meters, 0 if unknown
}
