// Package store provides the entity and association stores: CRUD for
// graph nodes and parent/child edges across the dual-tier storage
// discipline. The durable tier is authoritative; the fast tier is a
// performance cache over it for protected data.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/trelliscms/trellis/pkg/ucg"
)

// Durable is the authoritative SQLite tier. Every structural write goes
// here unconditionally; the fast tier is repopulated from it on read
// miss.
type Durable struct {
	db *sql.DB
}

// NewDurable opens the durable tier. The dbPath can be a file path or
// ":memory:" for an in-memory database. Creates tables and indexes if
// they don't exist.
func NewDurable(dbPath string) (*Durable, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &Durable{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// initSchema creates the database schema if it doesn't exist.
func (d *Durable) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		semantic_name TEXT,
		data TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		created_by TEXT,
		updated_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_semantic
		ON entities(entity_type, semantic_name) WHERE semantic_name IS NOT NULL;

	CREATE TABLE IF NOT EXISTS associations (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL UNIQUE,
		association_type TEXT NOT NULL,
		weight INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL,
		created_at DATETIME,
		FOREIGN KEY (parent_id) REFERENCES entities(id),
		FOREIGN KEY (child_id) REFERENCES entities(id)
	);

	CREATE INDEX IF NOT EXISTS idx_associations_parent ON associations(parent_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// UpsertEntity writes an entity row (INSERT OR REPLACE by id).
func (d *Durable) UpsertEntity(ctx context.Context, entity *ucg.Entity) error {
	var dataJSON []byte
	var err error
	if entity.Data != nil {
		dataJSON, err = json.Marshal(entity.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	semantic := sql.NullString{String: entity.SemanticName, Valid: entity.SemanticName != ""}

	query := `
		INSERT OR REPLACE INTO entities (id, entity_type, semantic_name, data, created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = d.db.ExecContext(ctx, query,
		entity.ID,
		entity.Type,
		semantic,
		dataJSON,
		entity.CreatedAt,
		entity.UpdatedAt,
		entity.CreatedBy,
		entity.UpdatedBy,
	)
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to upsert entity: %w", err))
	}

	return nil
}

// GetEntity retrieves an entity row by id. Returns ucg.ErrNotFound when
// absent.
func (d *Durable) GetEntity(ctx context.Context, id string) (*ucg.Entity, error) {
	query := `
		SELECT id, entity_type, semantic_name, data, created_at, updated_at, created_by, updated_by
		FROM entities
		WHERE id = ?
	`
	return d.scanEntity(d.db.QueryRowContext(ctx, query, id))
}

// GetEntityBySemanticName retrieves an entity row by its (type, name)
// pair. Returns ucg.ErrNotFound when absent.
func (d *Durable) GetEntityBySemanticName(ctx context.Context, entityType, name string) (*ucg.Entity, error) {
	query := `
		SELECT id, entity_type, semantic_name, data, created_at, updated_at, created_by, updated_by
		FROM entities
		WHERE entity_type = ? AND semantic_name = ?
	`
	return d.scanEntity(d.db.QueryRowContext(ctx, query, entityType, name))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Durable) scanEntity(row rowScanner) (*ucg.Entity, error) {
	var entity ucg.Entity
	var semantic sql.NullString
	var dataJSON []byte

	err := row.Scan(
		&entity.ID,
		&entity.Type,
		&semantic,
		&dataJSON,
		&entity.CreatedAt,
		&entity.UpdatedAt,
		&entity.CreatedBy,
		&entity.UpdatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity: %w", ucg.ErrNotFound)
	}
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to get entity: %w", err))
	}

	if semantic.Valid {
		entity.SemanticName = semantic.String
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &entity.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	return &entity, nil
}

// ClearSemanticName releases an entity's semantic name, freeing the
// (type, name) pair for reuse. Part of soft-delete.
func (d *Durable) ClearSemanticName(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "UPDATE entities SET semantic_name = NULL WHERE id = ?", id)
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to clear semantic name: %w", err))
	}
	return nil
}

// ListEntitiesByType returns entity rows of the given type ordered by
// creation time descending. A non-positive limit returns all rows.
func (d *Durable) ListEntitiesByType(ctx context.Context, entityType string, limit int) ([]*ucg.Entity, error) {
	query := `
		SELECT id, entity_type, semantic_name, data, created_at, updated_at, created_by, updated_by
		FROM entities
		WHERE entity_type = ?
		ORDER BY created_at DESC, id
	`
	args := []any{entityType}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to list entities: %w", err))
	}
	defer rows.Close()

	return d.collectEntities(rows)
}

// AllEntities returns every entity row ordered by creation time, for
// seed export and integrity checks.
func (d *Durable) AllEntities(ctx context.Context) ([]*ucg.Entity, error) {
	query := `
		SELECT id, entity_type, semantic_name, data, created_at, updated_at, created_by, updated_by
		FROM entities
		ORDER BY created_at, id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to query all entities: %w", err))
	}
	defer rows.Close()

	return d.collectEntities(rows)
}

func (d *Durable) collectEntities(rows *sql.Rows) ([]*ucg.Entity, error) {
	var entities []*ucg.Entity
	for rows.Next() {
		entity, err := d.scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, ucg.Transient(fmt.Errorf("error iterating entities: %w", err))
	}
	return entities, nil
}

// UpsertAssociation writes an association row.
func (d *Durable) UpsertAssociation(ctx context.Context, assoc *ucg.Association) error {
	query := `
		INSERT OR REPLACE INTO associations (id, parent_id, child_id, association_type, weight, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		assoc.ID,
		assoc.ParentID,
		assoc.ChildID,
		assoc.Type,
		assoc.Weight,
		assoc.Path,
		assoc.CreatedAt,
	)
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to upsert association: %w", err))
	}
	return nil
}

// DeleteAssociation removes an association row by id.
func (d *Durable) DeleteAssociation(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM associations WHERE id = ?", id)
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to delete association: %w", err))
	}
	return nil
}

// GetAssociationByChild returns the association whose child is childID.
// Each child has at most one parent, so at most one row exists.
func (d *Durable) GetAssociationByChild(ctx context.Context, childID string) (*ucg.Association, error) {
	query := `
		SELECT id, parent_id, child_id, association_type, weight, path, created_at
		FROM associations
		WHERE child_id = ?
	`
	var assoc ucg.Association
	err := d.db.QueryRowContext(ctx, query, childID).Scan(
		&assoc.ID,
		&assoc.ParentID,
		&assoc.ChildID,
		&assoc.Type,
		&assoc.Weight,
		&assoc.Path,
		&assoc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("association: %w", ucg.ErrNotFound)
	}
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to get association: %w", err))
	}
	return &assoc, nil
}

// ListAssociationsByParent returns a parent's associations ordered by
// weight, then creation time.
func (d *Durable) ListAssociationsByParent(ctx context.Context, parentID string) ([]ucg.Association, error) {
	query := `
		SELECT id, parent_id, child_id, association_type, weight, path, created_at
		FROM associations
		WHERE parent_id = ?
		ORDER BY weight, created_at, id
	`
	rows, err := d.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to list associations: %w", err))
	}
	defer rows.Close()

	return collectAssociations(rows)
}

// AllAssociations returns every association row, for seed export.
func (d *Durable) AllAssociations(ctx context.Context) ([]ucg.Association, error) {
	query := `
		SELECT id, parent_id, child_id, association_type, weight, path, created_at
		FROM associations
		ORDER BY parent_id, weight, created_at, id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to query all associations: %w", err))
	}
	defer rows.Close()

	return collectAssociations(rows)
}

func collectAssociations(rows *sql.Rows) ([]ucg.Association, error) {
	var assocs []ucg.Association
	for rows.Next() {
		var assoc ucg.Association
		err := rows.Scan(
			&assoc.ID,
			&assoc.ParentID,
			&assoc.ChildID,
			&assoc.Type,
			&assoc.Weight,
			&assoc.Path,
			&assoc.CreatedAt,
		)
		if err != nil {
			return nil, ucg.Transient(fmt.Errorf("failed to scan association: %w", err))
		}
		assocs = append(assocs, assoc)
	}
	if err := rows.Err(); err != nil {
		return nil, ucg.Transient(fmt.Errorf("error iterating associations: %w", err))
	}
	return assocs, nil
}

// EntityCount returns the total number of entity rows.
func (d *Durable) EntityCount(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&count)
	if err != nil {
		return 0, ucg.Transient(fmt.Errorf("failed to count entities: %w", err))
	}
	return count, nil
}

// AssociationCount returns the total number of association rows.
func (d *Durable) AssociationCount(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM associations").Scan(&count)
	if err != nil {
		return 0, ucg.Transient(fmt.Errorf("failed to count associations: %w", err))
	}
	return count, nil
}

// Close releases database resources.
func (d *Durable) Close() error {
	return d.db.Close()
}

// nowUTC truncates to second precision so timestamps survive the
// DATETIME round-trip unchanged.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
