package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/emberhq/go-emergency-response/internal/config"
	"github.com/emberhq/go-emergency-response/internal/logging"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

// zone-seed loads geofence definitions from a JSON file into the database.
// Zones with an id update in place; zones without one are created.

type seedZone struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Radius    *float64 `json:"radius"`
	Active    *bool    `json:"active"`
}

func main() {
	_ = godotenv.Load()

	file := flag.String("file", "zones.json", "path to the zone definitions file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	raw, err := os.ReadFile(*file)
	if err != nil {
		logging.Fatalf("Failed to read zone file: %v", err)
	}
	var seeds []seedZone
	if err := json.Unmarshal(raw, &seeds); err != nil {
		logging.Fatalf("Failed to parse zone file: %v", err)
	}

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	seeded := 0
	for _, s := range seeds {
		zoneType, ok := models.ParseZoneType(s.Type)
		if !ok {
			slog.Warn("skipping zone with unknown type", "name", s.Name, "type", s.Type)
			continue
		}
		radius := cfg.Geofence.DefaultRadius
		if s.Radius != nil {
			radius = *s.Radius
		}
		if radius <= 0 || radius > cfg.Geofence.MaxRadius {
			slog.Warn("skipping zone with out-of-range radius", "name", s.Name, "radius", radius)
			continue
		}

		now := time.Now()
		z := &models.Zone{
			ID:        s.ID,
			Name:      s.Name,
			Type:      zoneType,
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Radius:    radius,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if z.ID == "" {
			z.ID = uuid.NewString()
		}
		if s.Active != nil {
			z.Active = *s.Active
		}

		if err := db.UpsertZone(ctx, z); err != nil {
			logging.Fatalf("Failed to seed zone %q: %v", s.Name, err)
		}
		seeded++
	}

	slog.Info("zones seeded", "count", seeded, "file", *file)
}
