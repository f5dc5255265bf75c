package geofence

import (
	"log/slog"
	"math"
	"sync"

	"github.com/emberhq/go-emergency-response/internal/models"
)

// Index holds the in-memory snapshot of active zones the evaluator checks
// samples against. It is rebuilt wholesale from the persisted definitions
// on startup and after any zone mutation; readers take a cheap copy so a
// rebuild never blocks evaluation.
type Index struct {
	mu    sync.RWMutex
	zones []models.Zone
}

func NewIndex() *Index {
	return &Index{}
}

// Rebuild replaces the snapshot, keeping only active zones.
func (idx *Index) Rebuild(zones []models.Zone) {
	active := make([]models.Zone, 0, len(zones))
	for _, z := range zones {
		if z.Active {
			active = append(active, z)
		}
	}

	idx.mu.Lock()
	idx.zones = active
	idx.mu.Unlock()

	slog.Info("zone index rebuilt", "active_zones", len(active))
}

// Snapshot returns the current active zone set.
func (idx *Index) Snapshot() []models.Zone {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]models.Zone, len(idx.zones))
	copy(out, idx.zones)
	return out
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.zones)
}

const earthRadiusMeters = 6371000

// Haversine returns the great-circle distance in meters between two
// lat/lng points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusMeters * 2 * math.Asin(math.Sqrt(a))
}
