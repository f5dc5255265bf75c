package geofence

import (
	"math"
	"testing"

	"github.com/emberhq/go-emergency-response/internal/models"
)

func TestHaversine(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64 // meters
		tolerance              float64
	}{
		{"same point", 37.0, -122.0, 37.0, -122.0, 0, 0.001},
		{"one degree latitude", 0, 0, 1, 0, 111195, 50},
		{"sf to la", 37.7749, -122.4194, 34.0522, -118.2437, 559000, 2000},
	}
	for _, tc := range cases {
		got := Haversine(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
		if math.Abs(got-tc.want) > tc.tolerance {
			t.Errorf("%s: expected ~%gm, got %gm", tc.name, tc.want, got)
		}
	}
}

func TestIndex_RebuildKeepsActiveOnly(t *testing.T) {
	idx := NewIndex()
	idx.Rebuild([]models.Zone{
		{ID: "z1", Active: true},
		{ID: "z2", Active: false},
		{ID: "z3", Active: true},
	})

	if idx.Len() != 2 {
		t.Fatalf("expected 2 active zones, got %d", idx.Len())
	}
	for _, z := range idx.Snapshot() {
		if !z.Active {
			t.Errorf("inactive zone %s in snapshot", z.ID)
		}
	}

	idx.Rebuild(nil)
	if idx.Len() != 0 {
		t.Errorf("expected empty index after rebuild, got %d", idx.Len())
	}
}

func TestIndex_SnapshotIsCopy(t *testing.T) {
	idx := NewIndex()
	idx.Rebuild([]models.Zone{{ID: "z1", Active: true, Radius: 100}})

	snap := idx.Snapshot()
	snap[0].Radius = 9999

	if idx.Snapshot()[0].Radius != 100 {
		t.Error("mutating a snapshot leaked into the index")
	}
}
