package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/seed"
	"github.com/trelliscms/trellis/pkg/ucg"
)

func TestRebuildReplaysSeed(t *testing.T) {
	seedDir := writeTestSeed(t)
	registry := ucg.NewTypeRegistry()
	m := setupTestManager(t, Options{SeedDir: seedDir, Registry: registry})
	ctx := context.Background()

	// Pre-rebuild junk that must not survive the wipe.
	if err := m.StoreProtected(ctx, keys.Entity(ucg.TypePage, "stale"), []byte("v")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	stats, err := m.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if stats.Entities != 3 || stats.Associations != 1 || stats.Words != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if _, err := m.Read(ctx, keys.Entity(ucg.TypePage, "stale")); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected pre-rebuild key wiped, got %v", err)
	}

	// Entity records and the semantic mapping for live entities.
	raw, err := m.Read(ctx, keys.Entity(ucg.TypePage, "e1"))
	if err != nil {
		t.Fatalf("Failed to read seeded entity: %v", err)
	}
	var entity ucg.Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		t.Fatalf("Failed to decode entity: %v", err)
	}
	if entity.SemanticName != "home" {
		t.Errorf("Expected semantic name home, got %s", entity.SemanticName)
	}

	id, err := m.Read(ctx, keys.Semantic(ucg.TypePage, "home"))
	if err != nil || string(id) != "e1" {
		t.Errorf("Expected semantic mapping to e1, got %s, %v", id, err)
	}

	// Deleted entities keep their record but get no semantic mapping.
	if _, err := m.Read(ctx, keys.Entity(ucg.TypeBlock, "e3")); err != nil {
		t.Errorf("Expected deleted entity record present, got %v", err)
	}

	// Every seeded association lands in both derived indices.
	parent, err := m.Read(ctx, keys.Parent("e2"))
	if err != nil || string(parent) != "e1" {
		t.Errorf("Expected parent pointer e1, got %s, %v", parent, err)
	}
	rawChildren, err := m.Read(ctx, keys.Children("e1"))
	if err != nil {
		t.Fatalf("Failed to read children index: %v", err)
	}
	var children []ucg.Association
	if err := json.Unmarshal(rawChildren, &children); err != nil {
		t.Fatalf("Failed to decode children: %v", err)
	}
	if len(children) != 1 || children[0].ChildID != "e2" {
		t.Errorf("Unexpected children index: %+v", children)
	}
	if _, err := m.Read(ctx, keys.Association("content.1.1")); err != nil {
		t.Errorf("Expected association record, got %v", err)
	}

	// Word index both directions.
	rawWords, err := m.Read(ctx, keys.Word("home"))
	if err != nil {
		t.Fatalf("Failed to read word index: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(rawWords, &ids); err != nil {
		t.Fatalf("Failed to decode word index: %v", err)
	}
	if len(ids) != 1 || ids[0] != "e1" {
		t.Errorf("Unexpected word index: %v", ids)
	}
	if _, err := m.Read(ctx, keys.EntityWords("e2")); err != nil {
		t.Errorf("Expected entity words index, got %v", err)
	}

	// Type and status indexes.
	if _, err := m.Read(ctx, keys.TypeIndex(ucg.TypePage)); err != nil {
		t.Errorf("Expected type index, got %v", err)
	}
	rawStatus, err := m.Read(ctx, keys.StatusIndex(StatusDeleted))
	if err != nil {
		t.Fatalf("Failed to read status index: %v", err)
	}
	var deletedIDs []string
	if err := json.Unmarshal(rawStatus, &deletedIDs); err != nil {
		t.Fatalf("Failed to decode status index: %v", err)
	}
	if len(deletedIDs) != 1 || deletedIDs[0] != "e3" {
		t.Errorf("Unexpected deleted status index: %v", deletedIDs)
	}
}

func TestRebuildChildrenOrderedByWeight(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	data := &seed.Data{
		Entities: []ucg.Entity{
			{ID: "p", Type: ucg.TypePage, CreatedAt: base, UpdatedAt: base},
			{ID: "c1", Type: ucg.TypeBlock, CreatedAt: base, UpdatedAt: base},
			{ID: "c2", Type: ucg.TypeBlock, CreatedAt: base, UpdatedAt: base},
		},
		Associations: []ucg.Association{
			{ID: "a1", ParentID: "p", ChildID: "c1", Type: "child", Weight: 20, Path: "content.1.1", CreatedAt: base},
			{ID: "a2", ParentID: "p", ChildID: "c2", Type: "child", Weight: 10, Path: "content.1.2", CreatedAt: base},
		},
	}
	dir := t.TempDir()
	if err := seed.Write(dir, data); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	m := setupTestManager(t, Options{SeedDir: dir})
	if _, err := m.Rebuild(context.Background()); err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}

	raw, err := m.Read(context.Background(), keys.Children("p"))
	if err != nil {
		t.Fatalf("Failed to read children: %v", err)
	}
	var children []ucg.Association
	if err := json.Unmarshal(raw, &children); err != nil {
		t.Fatalf("Failed to decode children: %v", err)
	}
	if children[0].ChildID != "c2" || children[1].ChildID != "c1" {
		t.Errorf("Expected weight order c2,c1, got %+v", children)
	}
}

func TestRebuildRegistersSeenTypes(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	data := &seed.Data{
		Entities: []ucg.Entity{
			{ID: "w", Type: "widget", CreatedAt: base, UpdatedAt: base},
		},
	}
	dir := t.TempDir()
	if err := seed.Write(dir, data); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	registry := ucg.NewTypeRegistry()
	m := setupTestManager(t, Options{SeedDir: dir, Registry: registry})
	if _, err := m.Rebuild(context.Background()); err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if !registry.Known("widget") {
		t.Error("Expected seeded type registered")
	}
	if registry.RootEligible("widget") {
		t.Error("Expected seeded type not root-eligible")
	}
}

func TestRebuildFailureDegrades(t *testing.T) {
	m := setupTestManager(t, Options{SeedDir: "/nonexistent/seed"})
	ctx := context.Background()

	key := keys.Entity(ucg.TypePage, "x")
	if err := m.StoreProtected(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	if _, err := m.Rebuild(ctx); !errors.Is(err, ErrRebuildFailed) {
		t.Fatalf("Expected ErrRebuildFailed, got %v", err)
	}
	if !m.Degraded() {
		t.Fatal("Expected degraded state after failed rebuild")
	}

	// Protected traffic is refused until a rebuild succeeds.
	if err := m.StoreProtected(ctx, key, []byte("v2")); !errors.Is(err, ErrRebuildFailed) {
		t.Errorf("Expected protected write refused, got %v", err)
	}
	if _, err := m.Read(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected protected read to miss while degraded, got %v", err)
	}
	if _, err := m.StoreProtectedNX(ctx, key, []byte("v2")); !errors.Is(err, ErrRebuildFailed) {
		t.Errorf("Expected conditional write refused, got %v", err)
	}

	// Evictable traffic still flows.
	if err := m.StoreEvictable(ctx, keys.Session("s"), []byte("v"), time.Hour); err != nil {
		t.Errorf("Expected evictable write to pass, got %v", err)
	}
}

func TestRebuildWithoutSeedDir(t *testing.T) {
	m := setupTestManager(t, Options{})
	if _, err := m.Rebuild(context.Background()); !errors.Is(err, ErrRebuildFailed) {
		t.Errorf("Expected ErrRebuildFailed without seed dir, got %v", err)
	}
	if !m.Degraded() {
		t.Error("Expected degraded state")
	}
}

func TestRebuildClearsDegraded(t *testing.T) {
	seedDir := writeTestSeed(t)
	m := setupTestManager(t, Options{SeedDir: seedDir})
	ctx := context.Background()

	m.setDegraded(true)
	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if m.Degraded() {
		t.Error("Expected degraded cleared after successful rebuild")
	}
	if err := m.StoreProtected(ctx, keys.Entity(ucg.TypePage, "y"), []byte("v")); err != nil {
		t.Errorf("Expected protected write accepted again, got %v", err)
	}
}
