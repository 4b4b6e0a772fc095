package state

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Known telemetry field suffixes. Entity IDs look like
// "sensor.<prefix>_<suffix>"; anything outside this table is ignored.
const (
	SuffixStatus        = "print_status"
	SuffixProgress      = "print_progress"
	SuffixCurrentLayer  = "current_layer"
	SuffixTotalLayers   = "total_layer_count"
	SuffixRemainingTime = "remaining_time"
	SuffixNozzleTemp    = "nozzle_temperature"
	SuffixBedTemp       = "bed_temperature"
	SuffixSubtaskName   = "subtask_name"
)

var knownSuffixes = []string{
	SuffixStatus,
	SuffixProgress,
	SuffixCurrentLayer,
	SuffixTotalLayers,
	SuffixRemainingTime,
	SuffixNozzleTemp,
	SuffixBedTemp,
	SuffixSubtaskName,
}

// SplitEntityID splits a hub entity ID into (prefix, suffix).
// The domain part ("sensor.") is stripped first. Returns ok=false when the
// entity does not match any known telemetry suffix.
func SplitEntityID(entityID string) (prefix, suffix string, ok bool) {
	name := entityID
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	for _, s := range knownSuffixes {
		if strings.HasSuffix(name, "_"+s) {
			return name[:len(name)-len(s)-1], s, true
		}
	}
	return "", "", false
}

// Cache holds the last-known DeviceState per printer prefix. It is the
// single writer for DeviceState; detection and dispatch only ever see copies.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState

	now func() time.Time // injectable for tests
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		devices: make(map[string]*DeviceState),
		now:     time.Now,
	}
}

// Apply updates one telemetry field for the given prefix and returns a copy
// of the post-update DeviceState. The device entry is created lazily on the
// first event for an unseen prefix.
//
// Numeric fields parse defensively: sentinel values ("unknown",
// "unavailable") and anything non-numeric leave the field unchanged, so a
// transient sensor dropout never masquerades as "printer idle".
func (c *Cache) Apply(prefix, suffix, rawValue string) DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[prefix]
	if !ok {
		d = &DeviceState{Prefix: prefix, Status: StatusUnknown}
		c.devices[prefix] = d
	}

	switch suffix {
	case SuffixStatus:
		if !isSentinel(rawValue) {
			d.Status = NormalizeStatus(strings.ToLower(rawValue))
		}
	case SuffixProgress:
		if v, ok := parseInt(rawValue); ok {
			d.ProgressPercent = clampPercent(v)
		}
	case SuffixCurrentLayer:
		if v, ok := parseInt(rawValue); ok {
			d.CurrentLayer = v
		}
	case SuffixTotalLayers:
		if v, ok := parseInt(rawValue); ok {
			d.TotalLayers = v
		}
	case SuffixRemainingTime:
		if v, ok := parseInt(rawValue); ok {
			d.RemainingSeconds = v
		}
	case SuffixNozzleTemp:
		if v, ok := parseFloat(rawValue); ok {
			d.NozzleTemp = v
		}
	case SuffixBedTemp:
		if v, ok := parseFloat(rawValue); ok {
			d.BedTemp = v
		}
	case SuffixSubtaskName:
		if !isSentinel(rawValue) {
			d.SubtaskName = rawValue
		}
	}

	d.LastUpdated = c.now()
	d.Online = true

	return *d
}

// Get returns a copy of the DeviceState for prefix.
func (c *Cache) Get(prefix string) (DeviceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.devices[prefix]
	if !ok {
		return DeviceState{}, false
	}
	return *d, true
}

// GetAll returns copies of every known DeviceState, sorted by prefix.
func (c *Cache) GetAll() []DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]DeviceState, 0, len(c.devices))
	for _, d := range c.devices {
		all = append(all, *d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Prefix < all[j].Prefix })
	return all
}

// MarkOffline flips Online to false for prefixes whose LastUpdated is older
// than the staleness window. Returns the prefixes that changed.
func (c *Cache) MarkOffline(staleAfter time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-staleAfter)
	var flipped []string
	for prefix, d := range c.devices {
		if d.Online && d.LastUpdated.Before(cutoff) {
			d.Online = false
			flipped = append(flipped, prefix)
		}
	}
	sort.Strings(flipped)
	return flipped
}

func isSentinel(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown", "unavailable", "none", "null":
		return true
	}
	return false
}

func parseInt(raw string) (int, bool) {
	if isSentinel(raw) {
		return 0, false
	}
	// Some integrations report integer sensors as "42.0".
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		return int(f), true
	}
	return 0, false
}

func parseFloat(raw string) (float64, bool) {
	if isSentinel(raw) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
