package db

import (
	"context"
	"database/sql"
	"math"

	"github.com/klppl/fedtrack/internal/apperr"
)

// HeatmapBaseGridSize is the finest cell size in degrees (≈ 11 m).
const HeatmapBaseGridSize = 0.0001

// heatmapSampleStride keeps every Nth track point for cell counting so dense
// 1 Hz recordings don't dominate the grid.
const heatmapSampleStride = 10

// heatmapReadCap bounds any single heatmap read.
const heatmapReadCap = 10000

// SnapToGrid quantises a coordinate to the centre of its enclosing cell.
func SnapToGrid(v, gridSize float64) float64 {
	return (math.Floor(v/gridSize) + 0.5) * gridSize
}

// HeatmapCell is one aggregated grid cell.
type HeatmapCell struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Count int     `json:"count"`
}

// BoundingBox is a WGS84 query window.
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

type gridKey struct {
	lat, lon float64
}

// cellCounts samples every heatmapSampleStride-th point of a track and counts
// per snapped cell. Indoor activities contribute nothing.
func cellCounts(a *Activity) (map[gridKey]int, error) {
	if a.Indoor || a.TrackJSON == "" {
		return nil, nil
	}
	pts, err := DecodeTrack(a.TrackJSON)
	if err != nil {
		return nil, err
	}
	counts := make(map[gridKey]int)
	for i := 0; i < len(pts); i += heatmapSampleStride {
		p := pts[i]
		if p.Lat == 0 && p.Lon == 0 {
			continue
		}
		k := gridKey{
			lat: SnapToGrid(p.Lat, HeatmapBaseGridSize),
			lon: SnapToGrid(p.Lon, HeatmapBaseGridSize),
		}
		counts[k]++
	}
	return counts, nil
}

// ApplyHeatmapContribution incrementally adds an activity's sampled points to
// the owner's grid. The ON CONFLICT increment is safe under concurrency.
func (s *Store) ApplyHeatmapContribution(ctx context.Context, activityID string) error {
	a, err := s.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	counts, err := cellCounts(a)
	if err != nil || len(counts) == 0 {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO user_heatmap_grid
			(user_id, cell_lat, cell_lon, point_count, last_updated)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, cell_lat, cell_lon) DO UPDATE SET
				point_count = user_heatmap_grid.point_count + excluded.point_count,
				last_updated = excluded.last_updated`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		ts := now()
		for k, c := range counts {
			if _, err := stmt.ExecContext(ctx, a.UserID, k.lat, k.lon, c, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// removeHeatmapContribution decrements the owner's cells by the activity's
// sampled points, dropping any cell that reaches zero. Runs inside the
// activity-delete transaction.
func (s *Store) removeHeatmapContribution(ctx context.Context, tx *sql.Tx, a *Activity) error {
	counts, err := cellCounts(a)
	if err != nil || len(counts) == 0 {
		return err
	}
	for k, c := range counts {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE user_heatmap_grid
			SET point_count = point_count - ?, last_updated = ?
			WHERE user_id = ? AND cell_lat = ? AND cell_lon = ?`),
			c, now(), a.UserID, k.lat, k.lon); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, s.q(`DELETE FROM user_heatmap_grid
		WHERE user_id = ? AND point_count <= 0`), a.UserID)
	return err
}

// RebuildHeatmap deletes every cell for the user and recomputes the grid
// across all non-indoor activities. Running it twice yields identical cells.
func (s *Store) RebuildHeatmap(ctx context.Context, userID string) error {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? AND indoor = FALSE`), userID)
	if err != nil {
		return err
	}
	activities, err := scanActivities(rows)
	if err != nil {
		return err
	}

	total := make(map[gridKey]int)
	for _, a := range activities {
		counts, err := cellCounts(a)
		if err != nil {
			return err
		}
		for k, c := range counts {
			total[k] += c
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM user_heatmap_grid WHERE user_id = ?`), userID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO user_heatmap_grid
			(user_id, cell_lat, cell_lon, point_count, last_updated) VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		ts := now()
		for k, c := range total {
			if _, err := stmt.ExecContext(ctx, userID, k.lat, k.lon, c, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadHeatmap returns cells inside a bounding box at the requested grid size.
// Coarser sizes (0.001, 0.01) aggregate the stored base cells on the fly.
// Results are capped and ordered by descending count.
func (s *Store) ReadHeatmap(ctx context.Context, userID string, box BoundingBox, gridSize float64) ([]HeatmapCell, error) {
	switch gridSize {
	case 0.01, 0.001, HeatmapBaseGridSize:
	default:
		return nil, apperr.New(apperr.Validation, "unsupported grid size")
	}

	var rows *sql.Rows
	var err error
	if gridSize == HeatmapBaseGridSize {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT cell_lat, cell_lon, point_count
			FROM user_heatmap_grid
			WHERE user_id = ? AND cell_lat BETWEEN ? AND ? AND cell_lon BETWEEN ? AND ?
			ORDER BY point_count DESC LIMIT ?`),
			userID, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, heatmapReadCap)
	} else {
		// floor() exists on both drivers (modernc's SQLite build ships the
		// math functions); re-snapping in SQL keeps the aggregation there.
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT
				(floor(cell_lat / ?) + 0.5) * ? AS glat,
				(floor(cell_lon / ?) + 0.5) * ? AS glon,
				SUM(point_count) AS n
			FROM user_heatmap_grid
			WHERE user_id = ? AND cell_lat BETWEEN ? AND ? AND cell_lon BETWEEN ? AND ?
			GROUP BY glat, glon
			ORDER BY n DESC LIMIT ?`),
			gridSize, gridSize, gridSize, gridSize,
			userID, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, heatmapReadCap)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HeatmapCell
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.Lat, &c.Lon, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HeatmapCellContents returns every cell for a user, ordered by lat/lon.
// Test and rebuild-verification helper.
func (s *Store) HeatmapCellContents(ctx context.Context, userID string) ([]HeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT cell_lat, cell_lon, point_count
		FROM user_heatmap_grid WHERE user_id = ? ORDER BY cell_lat, cell_lon`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HeatmapCell
	for rows.Next() {
		var c HeatmapCell
		if err := rows.Scan(&c.Lat, &c.Lon, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
