package verify

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SuspicionPolicy tunes the pattern overlay. The thresholds are policy,
// not contract; operators adjust them as fraud patterns shift.
type SuspicionPolicy struct {
	// Window is how long a sighting stays relevant.
	Window time.Duration
	// MaxDistanceKm: two sightings of the same value farther apart
	// than this inside the window are implausible for one physical
	// product.
	MaxDistanceKm float64
	// RepeatThreshold: this many attempts on one value inside the
	// window flags probing even without geolocation.
	RepeatThreshold int
}

// DefaultSuspicionPolicy is the shipped tuning.
func DefaultSuspicionPolicy() SuspicionPolicy {
	return SuspicionPolicy{
		Window:          10 * time.Minute,
		MaxDistanceKm:   50,
		RepeatThreshold: 5,
	}
}

// SuspicionMonitor keeps a sliding window of recent sightings per code
// value in redis, shared across service instances. A nil *redis.Client
// is tolerated upstream by passing a nil monitor.
type SuspicionMonitor struct {
	rdb    *redis.Client
	policy SuspicionPolicy
}

// NewSuspicionMonitor returns nil when rdb is nil so callers can wire it
// unconditionally and degrade gracefully without redis.
func NewSuspicionMonitor(rdb *redis.Client, policy SuspicionPolicy) *SuspicionMonitor {
	if rdb == nil {
		return nil
	}
	if policy.Window <= 0 {
		policy = DefaultSuspicionPolicy()
	}
	return &SuspicionMonitor{rdb: rdb, policy: policy}
}

// Observe records a sighting of value and reports whether the recent
// window now looks suspicious: geographically impossible spread or
// hammering of a single value.
func (m *SuspicionMonitor) Observe(ctx context.Context, value string, vc Context) (bool, error) {
	key := "verify:sightings:" + value
	now := vc.At
	score := float64(now.UnixMilli())
	cutoff := float64(now.Add(-m.policy.Window).UnixMilli())

	member := encodeSighting(vc.Lat, vc.Lon)

	pipe := m.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', 0, 64))
	pipe.Expire(ctx, key, m.policy.Window)
	recent := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(cutoff, 'f', 0, 64),
		Max: "+inf",
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record sighting: %w", err)
	}

	members, err := recent.Result()
	if err != nil {
		return false, fmt.Errorf("read sightings: %w", err)
	}

	return m.policy.flag(member, members), nil
}

// flag applies the policy to one sighting against the rest of the
// window: hammering of a single value, or a geographic spread no single
// physical product could cover.
func (p SuspicionPolicy) flag(current string, window []string) bool {
	if p.RepeatThreshold > 0 && len(window) >= p.RepeatThreshold {
		return true
	}

	lat, lon, ok := decodeSighting(current)
	if !ok {
		return false
	}
	for _, other := range window {
		oLat, oLon, ok := decodeSighting(other)
		if !ok {
			continue
		}
		if haversineKm(lat, lon, oLat, oLon) > p.MaxDistanceKm {
			return true
		}
	}
	return false
}

// encodeSighting packs coordinates (or a geo-less marker) with a nonce
// so identical submissions stay distinct set members.
func encodeSighting(lat, lon *float64) string {
	nonce := uuid.NewString()[:8]
	if lat == nil || lon == nil {
		return "|" + nonce
	}
	return fmt.Sprintf("%.6f,%.6f|%s", *lat, *lon, nonce)
}

func decodeSighting(member string) (lat, lon float64, ok bool) {
	coords, _, found := strings.Cut(member, "|")
	if !found || coords == "" {
		return 0, 0, false
	}
	latStr, lonStr, found := strings.Cut(coords, ",")
	if !found {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
