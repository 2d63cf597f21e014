// Package ucg defines the Universal Content Graph data model: typed
// entities connected by ordered parent/child associations.
package ucg

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Entity is a typed content node. The payload is opaque to the graph
// layer; only the soft-delete markers inside it are interpreted.
type Entity struct {
	ID           string         `json:"id"`             // Unique identifier (UUID)
	Type         string         `json:"entity_type"`    // Entity type (page, section, block, ...)
	SemanticName string         `json:"semantic_name"`  // Optional human name, unique per type
	Data         map[string]any `json:"data"`           // Opaque structured payload
	CreatedAt    time.Time      `json:"created_at"`     // Timestamp of creation
	UpdatedAt    time.Time      `json:"updated_at"`     // Timestamp of last update
	CreatedBy    string         `json:"created_by"`     // Actor that created the entity
	UpdatedBy    string         `json:"updated_by"`     // Actor that last updated the entity
}

// Soft-delete markers stored inside Entity.Data. The entity record itself
// is never removed; delete sets these and drops the semantic mapping.
const (
	DeletedFlag   = "_deleted"
	DeletedAtKey  = "_deleted_at"
	DeletedByKey  = "_deleted_by"
)

// Deleted reports whether the entity carries the soft-delete marker.
func (e *Entity) Deleted() bool {
	if e.Data == nil {
		return false
	}
	flag, ok := e.Data[DeletedFlag].(bool)
	return ok && flag
}

// MarkDeleted stamps the soft-delete markers into the payload.
func (e *Entity) MarkDeleted(deletedBy string, at time.Time) {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[DeletedFlag] = true
	e.Data[DeletedAtKey] = at.UTC().Format(time.RFC3339)
	e.Data[DeletedByKey] = deletedBy
}

// Association is a directed, weighted parent->child edge. It is the sole
// source of truth for tree structure; the children set and parent pointer
// are derived indices maintained alongside every association write.
type Association struct {
	ID        string    `json:"id"`               // Unique identifier (UUID)
	ParentID  string    `json:"parent_id"`        // Parent entity ID
	ChildID   string    `json:"child_id"`         // Child entity ID
	Type      string    `json:"association_type"` // Edge type (default "child")
	Weight    int       `json:"weight"`           // Sibling ordering key (ascending)
	Path      string    `json:"path"`             // Materialized path at creation time
	CreatedAt time.Time `json:"created_at"`       // Timestamp of creation
}

// Synthetic reports whether the association was fabricated for a root
// entity during resolution and is not persisted anywhere.
func (a *Association) Synthetic() bool {
	return a.ID == ""
}

// Sentinel errors shared across the graph core. Callers match with
// errors.Is; wrapped driver errors additionally match ErrTransient.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrInvalidPath        = errors.New("invalid path")
	ErrTransient          = errors.New("transient storage error")
)

// transientError wraps a backing-store failure so that errors.Is(err,
// ErrTransient) holds while the original error remains unwrappable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient marks err as a transient backing-store failure. Returns nil
// for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// semanticNamePattern is the accepted shape for semantic names: a letter
// followed by letters, digits, hyphens or underscores.
var semanticNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateSemanticName checks the semantic name format. An empty name is
// valid (the entity simply has no semantic mapping).
func ValidateSemanticName(name string) error {
	if name == "" {
		return nil
	}
	if !semanticNamePattern.MatchString(name) {
		return fmt.Errorf("semantic name %q: must match %s: %w", name, semanticNamePattern.String(), ErrIntegrityViolation)
	}
	return nil
}
