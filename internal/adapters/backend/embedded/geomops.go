package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jobrunner/cribrum/internal/domain"
)

// BufferOps computes geometry buffers through an in-memory SpatiaLite
// database. A dedicated in-memory database keeps buffering off the dataset
// connections, which may be lock-contended with the host.
type BufferOps struct {
	db *sql.DB
}

// NewBufferOps creates the buffer operator. Returns an error when the
// SpatiaLite extension cannot be loaded; callers fall back to bounds
// expansion in that case.
func NewBufferOps(ctx context.Context) (*BufferOps, error) {
	db, err := sql.Open("sqlite3_with_spatialite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening buffer database: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("SpatiaLite extension not available: %w", err)
	}

	return &BufferOps{db: db}, nil
}

// Buffer implements output.GeometryOps.
func (o *BufferOps) Buffer(ctx context.Context, g domain.Geometry, distance float64) (domain.Geometry, error) {
	text, err := g.WKT()
	if err != nil {
		return domain.Geometry{}, err
	}

	var buffered sql.NullString
	err = o.db.QueryRowContext(ctx,
		"SELECT AsText(ST_Buffer(GeomFromText(?, ?), ?))",
		text, g.SRID, distance,
	).Scan(&buffered)
	if err != nil {
		return domain.Geometry{}, fmt.Errorf("buffering geometry: %w", err)
	}
	if !buffered.Valid {
		return domain.Geometry{}, fmt.Errorf("buffering geometry: %w", domain.ErrInvalidInput)
	}

	return domain.NewGeometryFromWKT(buffered.String, g.SRID)
}

// Close closes the buffer database.
func (o *BufferOps) Close() error {
	return o.db.Close()
}
