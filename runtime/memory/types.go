// Package memory defines the record types, scope model and tagged errors
// shared by every recall subsystem. Records are plain values; navigation
// between items and categories always goes through repository queries on the
// CategoryItem edge, never through embedded pointers.
package memory

import (
	"strings"
	"time"
)

// Modality classifies an ingested artifact.
type Modality string

const (
	ModalityConversation Modality = "conversation"
	ModalityDocument     Modality = "document"
	ModalityImage        Modality = "image"
	ModalityVideo        Modality = "video"
	ModalityAudio        Modality = "audio"
)

// ValidModality reports whether m is one of the supported modalities.
func ValidModality(m Modality) bool {
	switch m {
	case ModalityConversation, ModalityDocument, ModalityImage, ModalityVideo, ModalityAudio:
		return true
	}
	return false
}

// DefaultMemoryTypes is the memory type set used when the configuration
// does not override it.
var DefaultMemoryTypes = []string{"profile", "event", "knowledge", "behavior"}

// Resource is one ingested artifact. Created by the memorize fetch stage,
// mutated only by preprocessing.
type Resource struct {
	ID        string
	URL       string
	Modality  Modality
	LocalPath string
	Caption   string
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
	Scope     Scope
}

// MemoryItem is one atomic extracted memory. ResourceID is empty for items
// created through the direct CRUD path. Hits counts retrieval
// reinforcement and feeds the salience composite.
type MemoryItem struct {
	ID         string
	ResourceID string
	MemoryType string
	Summary    string
	Embedding  []float32
	Hits       int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Scope      Scope
}

// MemoryCategory is a named topical bucket with a rolling LLM-maintained
// summary. Summary is empty until the first recompute succeeds and is reset
// to empty when a recompute fails, so a later pass can retry.
type MemoryCategory struct {
	ID          string
	Name        string
	Description string
	Summary     string
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Scope       Scope
}

// CategoryItem is a directed edge between one item and one category. Both
// endpoints must share the edge's scope.
type CategoryItem struct {
	ID         string
	ItemID     string
	CategoryID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Scope      Scope
}

// NormalizeCategoryName canonicalizes a category name for uniqueness
// checks: lower-cased, trimmed, inner whitespace collapsed to single
// spaces.
func NormalizeCategoryName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
