// Package seed reads and writes the CSV definition used as the
// last-resort source for rebuilding the fast tier. The seed is a
// directory of flat files, one row per entity, association and search
// term.
package seed

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/trelliscms/trellis/pkg/ucg"
)

// File names inside a seed directory.
const (
	EntitiesFile     = "entities.csv"
	AssociationsFile = "associations.csv"
	WordsFile        = "words.csv"
)

// WordRow links one search term to one entity.
type WordRow struct {
	Word     string
	EntityID string
}

// Data is a fully loaded seed definition.
type Data struct {
	Entities     []ucg.Entity
	Associations []ucg.Association
	Words        []WordRow
}

// Load reads a seed directory. A missing words file is tolerated (older
// seeds were written before the search index existed); missing entity or
// association files are errors.
func Load(dir string) (*Data, error) {
	data := &Data{}

	if err := readCSV(filepath.Join(dir, EntitiesFile), 6, func(line int, rec []string) error {
		entity, err := parseEntity(rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		data.Entities = append(data.Entities, entity)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", EntitiesFile, err)
	}

	if err := readCSV(filepath.Join(dir, AssociationsFile), 7, func(line int, rec []string) error {
		assoc, err := parseAssociation(rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		data.Associations = append(data.Associations, assoc)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", AssociationsFile, err)
	}

	err := readCSV(filepath.Join(dir, WordsFile), 2, func(line int, rec []string) error {
		if rec[0] == "" || rec[1] == "" {
			return fmt.Errorf("line %d: empty word or entity id", line)
		}
		data.Words = append(data.Words, WordRow{Word: rec[0], EntityID: rec[1]})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", WordsFile, err)
	}

	return data, nil
}

// readCSV streams records from path, enforcing a fixed field count.
func readCSV(path string, fields int, fn func(line int, rec []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields

	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
}

// Entity row layout: id, entity_type, semantic_name, data_json,
// created_at (RFC3339), created_by.
func parseEntity(rec []string) (ucg.Entity, error) {
	entity := ucg.Entity{
		ID:           rec[0],
		Type:         rec[1],
		SemanticName: rec[2],
		CreatedBy:    rec[5],
		UpdatedBy:    rec[5],
	}
	if entity.ID == "" {
		return entity, fmt.Errorf("empty entity id")
	}
	if entity.Type == "" {
		return entity, fmt.Errorf("entity %s: empty type", entity.ID)
	}
	if rec[3] != "" {
		if err := json.Unmarshal([]byte(rec[3]), &entity.Data); err != nil {
			return entity, fmt.Errorf("entity %s: bad data payload: %w", entity.ID, err)
		}
	}
	createdAt, err := time.Parse(time.RFC3339, rec[4])
	if err != nil {
		return entity, fmt.Errorf("entity %s: bad created_at: %w", entity.ID, err)
	}
	entity.CreatedAt = createdAt
	entity.UpdatedAt = createdAt
	return entity, nil
}

// Association row layout: id, parent_id, child_id, association_type,
// weight, path, created_at (RFC3339).
func parseAssociation(rec []string) (ucg.Association, error) {
	assoc := ucg.Association{
		ID:       rec[0],
		ParentID: rec[1],
		ChildID:  rec[2],
		Type:     rec[3],
		Path:     rec[5],
	}
	if assoc.ID == "" || assoc.ParentID == "" || assoc.ChildID == "" {
		return assoc, fmt.Errorf("association %q: missing id fields", rec[0])
	}
	weight, err := strconv.Atoi(rec[4])
	if err != nil {
		return assoc, fmt.Errorf("association %s: bad weight: %w", assoc.ID, err)
	}
	assoc.Weight = weight
	createdAt, err := time.Parse(time.RFC3339, rec[6])
	if err != nil {
		return assoc, fmt.Errorf("association %s: bad created_at: %w", assoc.ID, err)
	}
	assoc.CreatedAt = createdAt
	return assoc, nil
}

// Write dumps a seed definition into dir, creating it if needed. Used to
// produce a fresh canonical seed from the durable tier.
func Write(dir string, data *Data) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create seed directory: %w", err)
	}

	if err := writeCSV(filepath.Join(dir, EntitiesFile), len(data.Entities), func(i int) ([]string, error) {
		e := data.Entities[i]
		payload := ""
		if e.Data != nil {
			raw, err := json.Marshal(e.Data)
			if err != nil {
				return nil, fmt.Errorf("entity %s: marshal data: %w", e.ID, err)
			}
			payload = string(raw)
		}
		return []string{e.ID, e.Type, e.SemanticName, payload, e.CreatedAt.UTC().Format(time.RFC3339), e.CreatedBy}, nil
	}); err != nil {
		return fmt.Errorf("%s: %w", EntitiesFile, err)
	}

	if err := writeCSV(filepath.Join(dir, AssociationsFile), len(data.Associations), func(i int) ([]string, error) {
		a := data.Associations[i]
		return []string{a.ID, a.ParentID, a.ChildID, a.Type, strconv.Itoa(a.Weight), a.Path, a.CreatedAt.UTC().Format(time.RFC3339)}, nil
	}); err != nil {
		return fmt.Errorf("%s: %w", AssociationsFile, err)
	}

	if err := writeCSV(filepath.Join(dir, WordsFile), len(data.Words), func(i int) ([]string, error) {
		w := data.Words[i]
		return []string{w.Word, w.EntityID}, nil
	}); err != nil {
		return fmt.Errorf("%s: %w", WordsFile, err)
	}

	return nil
}

func writeCSV(path string, rows int, fn func(i int) ([]string, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for i := 0; i < rows; i++ {
		rec, err := fn(i)
		if err != nil {
			return err
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
