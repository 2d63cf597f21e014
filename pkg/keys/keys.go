// Package keys maps domain concepts to fast-tier storage keys and
// classifies every key family by eviction class. The classification is
// the single safety mechanism that makes bulk purges safe by
// construction: purge operations are defined only over evictable and
// ephemeral prefixes and can never match a protected prefix.
package keys

import (
	"fmt"
	"strings"
	"time"
)

// Class is the eviction class of a key family.
type Class int

const (
	// Protected keys carry structural data. They never expire and must
	// survive pressure-driven eviction.
	Protected Class = iota
	// Evictable keys carry time-bounded derived data, safe to purge.
	Evictable
	// Ephemeral keys carry short-lived coordination data.
	Ephemeral
)

// String returns the class name for logs and metric labels.
func (c Class) String() string {
	switch c {
	case Protected:
		return "protected"
	case Evictable:
		return "evictable"
	case Ephemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// Category identifies a key family.
type Category string

// Protected categories.
const (
	CategoryEntity      Category = "entity"
	CategorySemantic    Category = "semantic"
	CategoryAssociation Category = "assoc"
	CategoryChildren    Category = "children"
	CategoryParent      Category = "parent"
	CategoryWord        Category = "word"
	CategoryEntityWords Category = "entity_words"
	CategoryTypeIndex   Category = "type_index"
	CategoryStatusIndex Category = "status_index"
)

// Evictable categories.
const (
	CategoryPageCache     Category = "page:cache"
	CategoryTemplateCache Category = "template:cache"
	CategoryAssetBundle   Category = "asset:bundle"
	CategoryQueryCache    Category = "query:cache"
	CategorySession       Category = "session"
	CategoryCSRF          Category = "csrf"
	CategoryRate          Category = "rate"
)

// Ephemeral categories.
const (
	CategoryLock  Category = "lock"
	CategoryQueue Category = "queue"
	CategoryTemp  Category = "temp"
)

var classes = map[Category]Class{
	CategoryEntity:      Protected,
	CategorySemantic:    Protected,
	CategoryAssociation: Protected,
	CategoryChildren:    Protected,
	CategoryParent:      Protected,
	CategoryWord:        Protected,
	CategoryEntityWords: Protected,
	CategoryTypeIndex:   Protected,
	CategoryStatusIndex: Protected,

	CategoryPageCache:     Evictable,
	CategoryTemplateCache: Evictable,
	CategoryAssetBundle:   Evictable,
	CategoryQueryCache:    Evictable,
	CategorySession:       Evictable,
	CategoryCSRF:          Evictable,
	CategoryRate:          Evictable,

	CategoryLock:  Ephemeral,
	CategoryQueue: Ephemeral,
	CategoryTemp:  Ephemeral,
}

// Default lifetimes for evictable and ephemeral categories. Protected
// categories have no lifetime and are absent from this table.
var lifetimes = map[Category]time.Duration{
	CategoryPageCache:     300 * time.Second,
	CategoryTemplateCache: 900 * time.Second,
	CategoryAssetBundle:   3600 * time.Second,
	CategoryQueryCache:    300 * time.Second,
	CategorySession:       86400 * time.Second,
	CategoryCSRF:          3600 * time.Second,
	CategoryRate:          900 * time.Second,
	CategoryLock:          30 * time.Second,
	CategoryQueue:         0, // queues drain, they do not expire
	CategoryTemp:          600 * time.Second,
}

// Classify returns the eviction class of a category. Unknown categories
// classify as Ephemeral so a misrouted key can never shadow protected
// structure.
func Classify(c Category) Class {
	if class, ok := classes[c]; ok {
		return class
	}
	return Ephemeral
}

// DefaultTTL returns the default lifetime for an evictable or ephemeral
// category. Protected categories return zero.
func DefaultTTL(c Category) time.Duration {
	return lifetimes[c]
}

// Protected key constructors.

// Entity returns "entity:{type}:{id}".
func Entity(entityType, id string) string {
	return fmt.Sprintf("entity:%s:%s", entityType, id)
}

// Semantic returns "semantic:{type}:{name}".
func Semantic(entityType, name string) string {
	return fmt.Sprintf("semantic:%s:%s", entityType, name)
}

// Association returns "assoc:{path}".
func Association(path string) string {
	return "assoc:" + path
}

// Children returns "children:{parent_id}".
func Children(parentID string) string {
	return "children:" + parentID
}

// Parent returns "parent:{child_id}".
func Parent(childID string) string {
	return "parent:" + childID
}

// Word returns "word:{word}".
func Word(word string) string {
	return "word:" + word
}

// EntityWords returns "entity_words:{id}".
func EntityWords(id string) string {
	return "entity_words:" + id
}

// TypeIndex returns "type_index:{type}".
func TypeIndex(entityType string) string {
	return "type_index:" + entityType
}

// StatusIndex returns "status_index:{status}".
func StatusIndex(status string) string {
	return "status_index:" + status
}

// Evictable key constructors.

// PageCache returns "page:cache:{path}:{locale}:{theme}".
func PageCache(path, locale, theme string) string {
	return fmt.Sprintf("page:cache:%s:%s:%s", path, locale, theme)
}

// TemplateCache returns "template:cache:{name}:{theme}".
func TemplateCache(name, theme string) string {
	return fmt.Sprintf("template:cache:%s:%s", name, theme)
}

// AssetBundle returns "asset:bundle:{type}:{hash}".
func AssetBundle(bundleType, hash string) string {
	return fmt.Sprintf("asset:bundle:%s:%s", bundleType, hash)
}

// QueryCache returns "query:cache:{hash}".
func QueryCache(hash string) string {
	return "query:cache:" + hash
}

// Session returns "session:{id}".
func Session(id string) string {
	return "session:" + id
}

// CSRF returns "csrf:{token}".
func CSRF(token string) string {
	return "csrf:" + token
}

// Rate returns "rate:{action}:{id}".
func Rate(action, id string) string {
	return fmt.Sprintf("rate:%s:%s", action, id)
}

// Ephemeral key constructors.

// Lock returns "lock:{resource}".
func Lock(resource string) string {
	return "lock:" + resource
}

// Queue returns "queue:{name}".
func Queue(name string) string {
	return "queue:" + name
}

// Temp returns "temp:{operation}:{id}".
func Temp(operation, id string) string {
	return fmt.Sprintf("temp:%s:%s", operation, id)
}

// protectedPrefixes are the key prefixes that a purge must never touch.
var protectedPrefixes = []string{
	"entity:",
	"semantic:",
	"assoc:",
	"children:",
	"parent:",
	"word:",
	"entity_words:",
	"type_index:",
	"status_index:",
}

// evictablePrefixes are the prefixes swept by pressure-driven purges.
// Ephemeral prefixes are included: coordination data is also safe to
// drop under pressure.
var evictablePrefixes = []string{
	"page:cache:",
	"template:cache:",
	"asset:bundle:",
	"query:cache:",
	"session:",
	"csrf:",
	"rate:",
	"lock:",
	"queue:",
	"temp:",
}

// EvictablePatterns returns the purge prefix list. The returned slice is
// a copy; callers may reorder it freely.
func EvictablePatterns() []string {
	out := make([]string, len(evictablePrefixes))
	copy(out, evictablePrefixes)
	return out
}

// ProtectedPrefixes returns the protected prefix list as a copy.
func ProtectedPrefixes() []string {
	out := make([]string, len(protectedPrefixes))
	copy(out, protectedPrefixes)
	return out
}

// IsProtected reports whether the key belongs to a protected family.
func IsProtected(key string) bool {
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
