package store

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// wordPattern extracts index terms: runs of letters and digits.
var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// minWordLen filters out terms too short to be worth indexing.
const minWordLen = 3

// tokenize derives the word-index terms for an entity from its semantic
// name and the string values of its payload. Internal payload keys
// (underscore-prefixed, including the soft-delete markers) are skipped.
func tokenize(entity *ucg.Entity) []string {
	seen := make(map[string]bool)

	collect := func(text string) {
		for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
			if len(w) >= minWordLen {
				seen[w] = true
			}
		}
	}

	collect(entity.SemanticName)
	for key, value := range entity.Data {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if text, ok := value.(string); ok {
			collect(text)
		}
	}

	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

// indexWords adds the entity to the word index: one word:{w} membership
// per term plus the reverse entity_words:{id} set used for removal.
func (s *Store) indexWords(ctx context.Context, entity *ucg.Entity) error {
	words := tokenize(entity)
	if len(words) == 0 {
		return nil
	}
	for _, w := range words {
		if err := s.indexAdd(ctx, keys.Word(w), entity.ID); err != nil {
			return err
		}
	}
	return s.writeIndex(ctx, keys.EntityWords(entity.ID), words)
}

// removeWords drops the entity from every word it was indexed under,
// using the reverse index so no full scan is needed.
func (s *Store) removeWords(ctx context.Context, entityID string) error {
	words, err := s.indexMembers(ctx, keys.EntityWords(entityID))
	if err != nil {
		return err
	}
	for _, w := range words {
		if err := s.indexRemove(ctx, keys.Word(w), entityID); err != nil {
			return err
		}
	}
	if len(words) == 0 {
		return nil
	}
	return s.cache.Delete(ctx, keys.EntityWords(entityID))
}

// SearchByWord returns the live entities indexed under word. The term is
// normalized the same way indexing normalizes it.
func (s *Store) SearchByWord(ctx context.Context, word string) ([]*ucg.Entity, error) {
	term := strings.ToLower(strings.TrimSpace(word))
	ids, err := s.indexMembers(ctx, keys.Word(term))
	if err != nil {
		return nil, err
	}

	var entities []*ucg.Entity
	for _, id := range ids {
		entity, err := s.GetEntity(ctx, id)
		if err != nil {
			// Stale index entry; skip.
			continue
		}
		if !entity.Deleted() {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}
