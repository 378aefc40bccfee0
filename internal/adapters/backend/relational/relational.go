// Package relational provides the PostGIS filtering backend for layers
// stored in a relational database.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// Backend implements the filtering contract on PostGIS. Results are
// materialized as matview artifacts so the host can join against them
// without re-running the filter.
type Backend struct {
	db      *sql.DB
	metrics output.MetricsCollector
	logger  *slog.Logger

	mu        sync.Mutex
	artifacts map[string]struct{}
}

// NewBackend creates the relational backend. The connection is established
// lazily; Ready reports whether the database and PostGIS are reachable.
func NewBackend(dsn string, metrics output.MetricsCollector, logger *slog.Logger) (*Backend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Backend{
		db:        db,
		metrics:   metrics,
		logger:    logger,
		artifacts: make(map[string]struct{}),
	}, nil
}

// Kind implements output.Backend.
func (b *Backend) Kind() domain.BackendKind {
	return domain.BackendRelational
}

// Capabilities implements output.Backend.
func (b *Backend) Capabilities() domain.BackendCapabilities {
	return domain.BackendCapabilities{
		Predicates:       domain.AllPredicates,
		ServerSideBuffer: true,
		PersistentIndex:  true,
		Tier:             3,
		StorageKinds:     []domain.StorageKind{domain.KindRelational},
	}
}

// Ready implements output.Backend.
func (b *Backend) Ready(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	var version string
	if err := b.db.QueryRowContext(ctx, "SELECT PostGIS_Version()").Scan(&version); err != nil {
		return fmt.Errorf("%w: PostGIS not installed: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// CreateFilteredResult implements output.Backend.
func (b *Backend) CreateFilteredResult(ctx context.Context, req output.ResolvedRequest) (*domain.FilterResult, error) {
	layer := req.Layer

	where, err := buildWhere(req)
	if err != nil {
		return nil, err
	}

	viewName := fmt.Sprintf("flt_%s_%s", layer.Source, uuid.NewString()[:8])
	start := time.Now()

	create := fmt.Sprintf(
		`CREATE MATERIALIZED VIEW %q AS SELECT t.%q AS fid FROM %q AS t WHERE %s`, //#nosec G201 -- identifiers from trusted layer metadata
		viewName, layer.PrimaryKey, layer.Source, where,
	)
	if _, err := b.db.ExecContext(ctx, create); err != nil {
		return nil, &domain.BackendError{
			Backend: domain.BackendRelational,
			Layer:   layer.ID,
			Op:      "filter",
			Err:     err,
		}
	}

	index := fmt.Sprintf(`CREATE UNIQUE INDEX ON %q (fid)`, viewName) //#nosec G201
	if _, err := b.db.ExecContext(ctx, index); err != nil {
		b.logger.Warn("indexing result view failed", "view", viewName, "error", err)
	}

	ids, err := b.readView(ctx, viewName)
	if err != nil {
		b.dropView(ctx, viewName)
		return nil, &domain.BackendError{
			Backend: domain.BackendRelational,
			Layer:   layer.ID,
			Op:      "filter",
			Err:     err,
		}
	}

	b.mu.Lock()
	b.artifacts[viewName] = struct{}{}
	b.mu.Unlock()

	return &domain.FilterResult{
		TargetLayer: layer.ID,
		FeatureIDs:  ids,
		Backend:     domain.BackendRelational,
		Elapsed:     time.Since(start),
		Handle: &domain.ResultHandle{
			Backend: domain.BackendRelational,
			Layer:   layer.ID,
			Name:    viewName,
		},
	}, nil
}

// Release implements output.Backend.
func (b *Backend) Release(ctx context.Context, handle *domain.ResultHandle) error {
	if handle == nil || handle.Backend != domain.BackendRelational {
		return nil
	}

	b.mu.Lock()
	_, ok := b.artifacts[handle.Name]
	delete(b.artifacts, handle.Name)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	b.dropView(ctx, handle.Name)
	return nil
}

// ExtractGeometry implements output.GeometryExtractor.
func (b *Backend) ExtractGeometry(ctx context.Context, layer domain.LayerDescriptor, featureID int64) (domain.Geometry, error) {
	query := fmt.Sprintf(
		`SELECT ST_AsText(%q) FROM %q WHERE %q = $1`, //#nosec G201 -- identifiers from trusted layer metadata
		layer.GeometryColumn, layer.Source, layer.PrimaryKey,
	)

	var text sql.NullString
	err := b.db.QueryRowContext(ctx, query, featureID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Geometry{}, fmt.Errorf("feature %d: %w", featureID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Geometry{}, &domain.BackendError{
			Backend: domain.BackendRelational,
			Layer:   layer.ID,
			Op:      "extract",
			Err:     err,
		}
	}
	if !text.Valid {
		return domain.Geometry{}, fmt.Errorf("feature %d has no geometry: %w", featureID, domain.ErrNotFound)
	}
	return domain.NewGeometryFromWKT(text.String, layer.SRID)
}

// ListFeatureIDs implements output.FeatureIDLister.
func (b *Backend) ListFeatureIDs(ctx context.Context, layer domain.LayerDescriptor) ([]int64, error) {
	query := fmt.Sprintf(
		`SELECT %q FROM %q ORDER BY %q`, //#nosec G201 -- identifiers from trusted layer metadata
		layer.PrimaryKey, layer.Source, layer.PrimaryKey,
	)

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.BackendError{
			Backend: domain.BackendRelational,
			Layer:   layer.ID,
			Op:      "list",
			Err:     err,
		}
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the connection pool, dropping any remaining result views.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	names := make([]string, 0, len(b.artifacts))
	for name := range b.artifacts {
		names = append(names, name)
	}
	b.artifacts = make(map[string]struct{})
	b.mu.Unlock()

	for _, name := range names {
		b.dropView(ctx, name)
	}
	return b.db.Close()
}

func (b *Backend) readView(ctx context.Context, viewName string) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT fid FROM %q`, viewName)) //#nosec G201
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) dropView(ctx context.Context, viewName string) {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DROP MATERIALIZED VIEW IF EXISTS %q`, viewName)) //#nosec G201
	if err != nil {
		b.logger.Warn("dropping result view failed", "view", viewName, "error", err)
	}
}

// buildWhere assembles the WHERE clause for a resolved request. Values are
// rendered as quoted literals rather than bound parameters: the clause ends
// up inside a CREATE MATERIALIZED VIEW statement, and PostgreSQL rejects
// bound parameters in view definitions.
func buildWhere(req output.ResolvedRequest) (string, error) {
	var clauses []string

	if req.Request.IsSpatial() {
		spatial, err := predicateClause(req)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, spatial)
	}

	if expr := req.Request.Expression; expr != "" {
		clauses = append(clauses, "("+expr+")")
	}

	if len(clauses) == 0 {
		return "", &domain.ValidationError{Field: "predicate", Message: "request has neither predicate nor expression"}
	}
	return strings.Join(clauses, " AND "), nil
}

// predicateClause renders the spatial predicate over all reference
// geometries. Disjoint must hold against every reference; every other
// predicate matches if any reference satisfies it.
func predicateClause(req output.ResolvedRequest) (string, error) {
	if len(req.RefGeometries) == 0 {
		return "", &domain.ValidationError{Field: "reference", Message: "spatial filter requires at least one reference geometry"}
	}

	target := fmt.Sprintf("t.%q", req.Layer.GeometryColumn)

	join := " OR "
	if req.Request.Predicate == domain.PredDisjoint {
		join = " AND "
	}

	terms := make([]string, 0, len(req.RefGeometries))
	for _, ref := range req.RefGeometries {
		text, err := ref.WKT()
		if err != nil {
			return "", fmt.Errorf("encoding reference geometry: %w", err)
		}

		refExpr := fmt.Sprintf("ST_GeomFromText(%s, %d)", quoteLiteral(text), req.Layer.SRID)
		if !req.BufferApplied && req.Request.Buffer != nil {
			refExpr = fmt.Sprintf("ST_Buffer(%s, %s)", refExpr, numericLiteral(req.Request.Buffer.BaseDistance()))
		}

		var term string
		switch req.Request.Predicate {
		case domain.PredIntersects:
			term = fmt.Sprintf("ST_Intersects(%s, %s)", target, refExpr)
		case domain.PredContains:
			term = fmt.Sprintf("ST_Contains(%s, %s)", target, refExpr)
		case domain.PredWithin:
			term = fmt.Sprintf("ST_Within(%s, %s)", target, refExpr)
		case domain.PredTouches:
			term = fmt.Sprintf("ST_Touches(%s, %s)", target, refExpr)
		case domain.PredCrosses:
			term = fmt.Sprintf("ST_Crosses(%s, %s)", target, refExpr)
		case domain.PredOverlaps:
			term = fmt.Sprintf("ST_Overlaps(%s, %s)", target, refExpr)
		case domain.PredDisjoint:
			term = fmt.Sprintf("ST_Disjoint(%s, %s)", target, refExpr)
		case domain.PredWithinDistance:
			term = fmt.Sprintf("ST_DWithin(%s, %s, %s)", target, refExpr, numericLiteral(req.Request.Distance))
		default:
			return "", fmt.Errorf("predicate %s: %w", req.Request.Predicate, domain.ErrUnsupportedPredicate)
		}
		terms = append(terms, term)
	}

	return "(" + strings.Join(terms, join) + ")", nil
}

// quoteLiteral renders a single-quoted SQL string literal with embedded
// quotes doubled.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// numericLiteral renders a float as a SQL numeric literal.
func numericLiteral(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
