package db

import (
	"context"

	"github.com/google/uuid"
)

// PrivacyZone is a circular region whose interior is masked out of a user's
// published tracks.
type PrivacyZone struct {
	ID        string
	UserID    string
	Name      string
	CenterLat float64
	CenterLon float64
	RadiusM   float64
	Active    bool
}

// CreatePrivacyZone inserts a zone.
func (s *Store) CreatePrivacyZone(ctx context.Context, z *PrivacyZone) error {
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO privacy_zones
		(id, user_id, name, center_lat, center_lon, radius_m, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		z.ID, z.UserID, z.Name, z.CenterLat, z.CenterLon, z.RadiusM, z.Active)
	return err
}

// ListActivePrivacyZones returns a user's active zones for track masking.
func (s *Store) ListActivePrivacyZones(ctx context.Context, userID string) ([]*PrivacyZone, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, user_id, name, center_lat, center_lon,
		radius_m, active FROM privacy_zones WHERE user_id = ? AND active = TRUE`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PrivacyZone
	for rows.Next() {
		var z PrivacyZone
		if err := rows.Scan(&z.ID, &z.UserID, &z.Name, &z.CenterLat, &z.CenterLon, &z.RadiusM, &z.Active); err != nil {
			return nil, err
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}

// DeletePrivacyZone removes an owner's zone.
func (s *Store) DeletePrivacyZone(ctx context.Context, id, userID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM privacy_zones
		WHERE id = ? AND user_id = ?`), id, userID)
	return err
}
