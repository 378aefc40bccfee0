package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// CreateFilteredResult implements output.Backend. The matched feature IDs
// are materialized into a filter table inside the dataset database; the
// table name is returned as the result handle.
func (b *Backend) CreateFilteredResult(ctx context.Context, req output.ResolvedRequest) (*domain.FilterResult, error) {
	layer := req.Layer
	db, err := b.conn(layer.Dataset)
	if err != nil {
		return nil, err
	}

	if layer.FeatureCount >= indexThreshold {
		b.ensureSpatialIndex(ctx, db, layer)
	}

	where, args, err := b.buildWhere(ctx, db, req)
	if err != nil {
		return nil, err
	}

	resultTable := fmt.Sprintf("flt_%s_%s", layer.Source, uuid.NewString()[:8])
	start := time.Now()

	var ids []int64
	err = b.withRetry(ctx, func() error {
		create := fmt.Sprintf(
			`CREATE TABLE "%s" AS SELECT t."%s" AS fid FROM "%s" t WHERE %s`, //#nosec G201 -- identifiers from trusted dataset metadata
			resultTable, layer.PrimaryKey, layer.Source, where,
		)
		if _, err := db.ExecContext(ctx, create, args...); err != nil {
			return err
		}

		rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT fid FROM "%s"`, resultTable)) //#nosec G201
		if err != nil {
			_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, resultTable)) //#nosec G201
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, &domain.BackendError{
			Backend: domain.BackendEmbedded,
			Layer:   layer.ID,
			Op:      "filter",
			Err:     err,
		}
	}

	b.mu.Lock()
	b.artifacts[resultTable] = layer.Dataset
	b.mu.Unlock()

	return &domain.FilterResult{
		TargetLayer: layer.ID,
		FeatureIDs:  ids,
		Backend:     domain.BackendEmbedded,
		Elapsed:     time.Since(start),
		Handle: &domain.ResultHandle{
			Backend: domain.BackendEmbedded,
			Layer:   layer.ID,
			Name:    resultTable,
		},
	}, nil
}

// Release implements output.Backend. Releasing an unknown or already
// released handle is a no-op.
func (b *Backend) Release(ctx context.Context, handle *domain.ResultHandle) error {
	if handle == nil || handle.Backend != domain.BackendEmbedded {
		return nil
	}

	b.mu.Lock()
	dataset, ok := b.artifacts[handle.Name]
	if ok {
		delete(b.artifacts, handle.Name)
	}
	db := b.datasets[dataset]
	b.mu.Unlock()

	if !ok || db == nil {
		return nil
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, handle.Name)) //#nosec G201 -- backend-generated table name
	if err != nil {
		return &domain.BackendError{
			Backend: domain.BackendEmbedded,
			Layer:   handle.Layer,
			Op:      "release",
			Err:     err,
		}
	}
	return nil
}

// buildWhere assembles the WHERE clause for a resolved request: the spatial
// predicate over the reference geometries, an optional R-tree prefilter and
// an optional attribute expression.
func (b *Backend) buildWhere(ctx context.Context, db *sql.DB, req output.ResolvedRequest) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}

	if req.Request.IsSpatial() {
		spatial, spatialArgs, err := predicateClause(req)
		if err != nil {
			return "", nil, err
		}

		// Disjoint cannot use a bounds prefilter: matches are the
		// features outside the reference extent.
		if req.Request.Predicate != domain.PredDisjoint {
			if pre, preArgs, ok := b.rtreePrefilter(ctx, db, req); ok {
				clauses = append(clauses, pre)
				args = append(args, preArgs...)
			}
		}

		clauses = append(clauses, spatial)
		args = append(args, spatialArgs...)
	}

	if expr := req.Request.Expression; expr != "" {
		clauses = append(clauses, "("+expr+")")
	}

	if len(clauses) == 0 {
		return "", nil, &domain.ValidationError{Field: "predicate", Message: "request has neither predicate nor expression"}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// predicateClause renders the spatial predicate over all reference
// geometries. Disjoint must hold against every reference; every other
// predicate matches if any reference satisfies it.
func predicateClause(req output.ResolvedRequest) (string, []interface{}, error) {
	if len(req.RefGeometries) == 0 {
		return "", nil, &domain.ValidationError{Field: "reference", Message: "spatial filter requires at least one reference geometry"}
	}

	target := fmt.Sprintf(`CastAutomagic(t."%s")`, req.Layer.GeometryColumn)

	refExpr := "GeomFromText(?, ?)"
	perRefArgs := 2
	if !req.BufferApplied && req.Request.Buffer != nil {
		refExpr = "ST_Buffer(" + refExpr + ", ?)"
		perRefArgs = 3
	}

	var term string
	join := " OR "
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
		join = " AND "
	case domain.PredWithinDistance:
		term = fmt.Sprintf("ST_Distance(%s, %s) <= ?", target, refExpr)
		perRefArgs++
	default:
		return "", nil, fmt.Errorf("predicate %s: %w", req.Request.Predicate, domain.ErrUnsupportedPredicate)
	}

	terms := make([]string, 0, len(req.RefGeometries))
	args := make([]interface{}, 0, len(req.RefGeometries)*perRefArgs)
	for _, ref := range req.RefGeometries {
		text, err := ref.WKT()
		if err != nil {
			return "", nil, fmt.Errorf("encoding reference geometry: %w", err)
		}
		terms = append(terms, term)
		args = append(args, text, req.Layer.SRID)
		if !req.BufferApplied && req.Request.Buffer != nil {
			args = append(args, req.Request.Buffer.BaseDistance())
		}
		if req.Request.Predicate == domain.PredWithinDistance {
			args = append(args, req.Request.Distance)
		}
	}

	return "(" + strings.Join(terms, join) + ")", args, nil
}

// rtreePrefilter returns a bounding-box prefilter clause when the layer has
// an R-tree index. The box is the union of all reference bounds, expanded by
// any buffer or dwithin distance.
func (b *Backend) rtreePrefilter(ctx context.Context, db *sql.DB, req output.ResolvedRequest) (string, []interface{}, bool) {
	indexTable := fmt.Sprintf("rtree_%s_%s", req.Layer.Source, req.Layer.GeometryColumn)

	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		indexTable,
	).Scan(&exists)
	if err != nil || exists == 0 {
		return "", nil, false
	}

	minX, minY := 0.0, 0.0
	maxX, maxY := 0.0, 0.0
	first := true
	for _, ref := range req.RefGeometries {
		bounds := ref.Bounds()
		if bounds == nil {
			return "", nil, false
		}
		if first {
			minX, minY = bounds.Min(0), bounds.Min(1)
			maxX, maxY = bounds.Max(0), bounds.Max(1)
			first = false
			continue
		}
		if bounds.Min(0) < minX {
			minX = bounds.Min(0)
		}
		if bounds.Min(1) < minY {
			minY = bounds.Min(1)
		}
		if bounds.Max(0) > maxX {
			maxX = bounds.Max(0)
		}
		if bounds.Max(1) > maxY {
			maxY = bounds.Max(1)
		}
	}
	if first {
		return "", nil, false
	}

	margin := 0.0
	if !req.BufferApplied && req.Request.Buffer != nil {
		margin += req.Request.Buffer.BaseDistance()
	}
	if req.Request.Predicate == domain.PredWithinDistance {
		margin += req.Request.Distance
	}

	clause := fmt.Sprintf(
		`t.rowid IN (SELECT id FROM "%s" WHERE minx <= ? AND maxx >= ? AND miny <= ? AND maxy >= ?)`, //#nosec G201 -- index table name from trusted dataset metadata
		indexTable,
	)
	return clause, []interface{}{maxX + margin, minX - margin, maxY + margin, minY - margin}, true
}

// ensureSpatialIndex builds an R-tree index for the layer if one does not
// exist yet. Index failures degrade to a full scan, they never fail the
// filter.
func (b *Backend) ensureSpatialIndex(ctx context.Context, db *sql.DB, layer domain.LayerDescriptor) {
	indexTable := fmt.Sprintf("rtree_%s_%s", layer.Source, layer.GeometryColumn)

	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		indexTable,
	).Scan(&exists)
	if err != nil || exists > 0 {
		return
	}

	create := fmt.Sprintf(
		`CREATE VIRTUAL TABLE "%s" USING rtree(id, minx, maxx, miny, maxy)`, //#nosec G201 -- identifiers from trusted dataset metadata
		indexTable,
	)
	if _, err := db.ExecContext(ctx, create); err != nil {
		b.logger.Warn("creating R-tree index failed", "layer", layer.ID, "error", err)
		return
	}

	// CastAutomagic converts GeoPackage binary geometry to SpatiaLite
	// format before taking bounding boxes.
	populate := fmt.Sprintf(`
		INSERT INTO "%s" (id, minx, maxx, miny, maxy)
		SELECT rowid,
			MbrMinX(CastAutomagic("%s")),
			MbrMaxX(CastAutomagic("%s")),
			MbrMinY(CastAutomagic("%s")),
			MbrMaxY(CastAutomagic("%s"))
		FROM "%s"
		WHERE "%s" IS NOT NULL
	`, indexTable,
		layer.GeometryColumn, layer.GeometryColumn,
		layer.GeometryColumn, layer.GeometryColumn,
		layer.Source, layer.GeometryColumn,
	) //#nosec G201 -- identifiers from trusted dataset metadata

	if _, err := db.ExecContext(ctx, populate); err != nil {
		_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, indexTable)) //#nosec G201
		b.logger.Warn("populating R-tree index failed", "layer", layer.ID, "error", err)
	}
}
