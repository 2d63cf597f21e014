package seed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trelliscms/trellis/pkg/ucg"
)

func sampleData() *Data {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return &Data{
		Entities: []ucg.Entity{
			{ID: "e1", Type: ucg.TypePage, SemanticName: "home",
				Data:      map[string]any{"title": "Home"},
				CreatedAt: base, UpdatedAt: base, CreatedBy: "importer", UpdatedBy: "importer"},
			{ID: "e2", Type: ucg.TypeBlock,
				CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute), CreatedBy: "importer", UpdatedBy: "importer"},
		},
		Associations: []ucg.Association{
			{ID: "a1", ParentID: "e1", ChildID: "e2", Type: "child",
				Weight: 5, Path: "content.1.1", CreatedAt: base.Add(time.Minute)},
		},
		Words: []WordRow{
			{Word: "home", EntityID: "e1"},
		},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, sampleData()); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	data, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to load seed: %v", err)
	}

	if len(data.Entities) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(data.Entities))
	}
	e := data.Entities[0]
	if e.ID != "e1" || e.Type != ucg.TypePage || e.SemanticName != "home" {
		t.Errorf("Unexpected entity: %+v", e)
	}
	if e.Data["title"] != "Home" {
		t.Errorf("Expected payload to survive round trip, got %v", e.Data)
	}
	if !e.CreatedAt.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected created_at: %v", e.CreatedAt)
	}
	if e.CreatedBy != "importer" {
		t.Errorf("Unexpected created_by: %s", e.CreatedBy)
	}

	if len(data.Associations) != 1 {
		t.Fatalf("Expected 1 association, got %d", len(data.Associations))
	}
	a := data.Associations[0]
	if a.ParentID != "e1" || a.ChildID != "e2" || a.Weight != 5 || a.Path != "content.1.1" {
		t.Errorf("Unexpected association: %+v", a)
	}

	if len(data.Words) != 1 || data.Words[0].Word != "home" {
		t.Errorf("Unexpected words: %+v", data.Words)
	}
}

func TestLoadToleratesMissingWordsFile(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, sampleData()); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, WordsFile)); err != nil {
		t.Fatalf("Failed to remove words file: %v", err)
	}

	data, err := Load(dir)
	if err != nil {
		t.Fatalf("Expected load without words file to pass: %v", err)
	}
	if len(data.Words) != 0 {
		t.Errorf("Expected no words, got %d", len(data.Words))
	}
}

func TestLoadRequiresEntitiesFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Expected error for missing entities file")
	}
}

func TestLoadReportsLineNumbers(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, sampleData()); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	// Corrupt the second entity row's timestamp.
	path := filepath.Join(dir, EntitiesFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read entities file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[1] = "e2," + ucg.TypeBlock + ",,,not-a-time,importer"
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite entities file: %v", err)
	}

	_, err = Load(dir)
	if err == nil {
		t.Fatal("Expected error for bad timestamp")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Expected line number in error, got %v", err)
	}
}

func TestLoadRejectsWrongFieldCount(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, sampleData()); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}
	path := filepath.Join(dir, AssociationsFile)
	if err := os.WriteFile(path, []byte("a1,e1,e2\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite associations file: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Error("Expected error for short association row")
	}
}
