// Package contextbuilder renders editing-context blocks injected into the
// agent conversation when the user is editing an entity in the UI.
package contextbuilder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
)

const (
	// maxStringLen truncates long field values in the compacted view.
	maxStringLen = 200

	// maxArrayItems bounds list fields in the compacted view.
	maxArrayItems = 10
)

// entityTools maps an entity type to the agent tools relevant to it.
var entityTools = map[string][]string{
	"spec":     {"spec_get", "spec_update", "spec_create"},
	"document": {"document_get", "document_update", "document_create"},
	"task":     {"task_get", "task_update", "task_create"},
	"note":     {"note_get", "note_update", "note_create"},
}

// entityGuidelines holds per-type guidance bullets.
var entityGuidelines = map[string][]string{
	"spec": {
		"Keep requirement wording testable and unambiguous.",
		"Update the spec through spec_update instead of restating it in chat.",
	},
	"document": {
		"Preserve the document's existing structure and heading levels.",
	},
	"task": {
		"Keep the task description actionable; move discussion to notes.",
	},
	"note": {
		"Notes are free-form; do not enforce a structure.",
	},
}

// entitySchemas holds field hints shown when the user is creating a new
// entity and there is nothing to fetch yet.
var entitySchemas = map[string][]string{
	"spec":     {"title", "summary", "requirements[]", "status"},
	"document": {"title", "body", "tags[]"},
	"task":     {"title", "description", "status", "assignee"},
	"note":     {"body"},
}

// metadataKeys are stripped from fetched entities before rendering.
var metadataKeys = map[string]bool{
	"createdAt": true,
	"updatedAt": true,
	"deletedAt": true,
	"version":   true,
	"etag":      true,
	"ownerId":   true,
}

// EntityFetcher loads an entity's current values from the server.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, entityType, entityID string) (map[string]any, error)
}

// Builder renders context blocks. It holds no per-session state.
type Builder struct {
	fetcher EntityFetcher
	logger  *logger.Logger
}

// NewBuilder creates a builder backed by an entity fetcher.
func NewBuilder(fetcher EntityFetcher, log *logger.Logger) *Builder {
	return &Builder{
		fetcher: fetcher,
		logger:  log.WithFields(zap.String("component", "context-builder")),
	}
}

// BuildMinimal renders the one-line marker prefixed to messages when full
// injection is not needed.
func BuildMinimal(entityType, entityID string) string {
	if entityID == "" {
		return fmt.Sprintf("[editing: %s]\n", entityType)
	}
	return fmt.Sprintf("[editing: %s/%s]\n", entityType, entityID)
}

// BuildFull renders the complete markdown context block for an entity. A
// fetch failure degrades to an id-and-type-only block with a warning; it
// never fails the turn.
func (b *Builder) BuildFull(ctx context.Context, entityType, entityID string) string {
	var sb strings.Builder

	sb.WriteString("## Editing Context\n\n")
	if entityID == "" {
		fmt.Fprintf(&sb, "The user is creating a new %s.\n\n", entityType)
	} else {
		fmt.Fprintf(&sb, "The user is editing %s `%s`.\n\n", entityType, entityID)
	}

	if entityID != "" && b.fetcher != nil {
		fields, err := b.fetcher.FetchEntity(ctx, entityType, entityID)
		if err != nil {
			b.logger.Warn("entity fetch failed, degrading context block",
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID),
				zap.Error(err))
		} else if len(fields) > 0 {
			sb.WriteString("### Current values\n\n")
			writeFields(&sb, compactFields(fields))
			sb.WriteString("\n")
		}
	}

	if entityID == "" {
		if schema, ok := entitySchemas[entityType]; ok {
			sb.WriteString("### Fields\n\n")
			for _, field := range schema {
				fmt.Fprintf(&sb, "- %s\n", field)
			}
			sb.WriteString("\n")
		}
	}

	if tools, ok := entityTools[entityType]; ok {
		sb.WriteString("### Available tools\n\n")
		for _, tool := range tools {
			fmt.Fprintf(&sb, "- %s\n", tool)
		}
		sb.WriteString("\n")
	}

	if guidelines, ok := entityGuidelines[entityType]; ok {
		sb.WriteString("### Guidelines\n\n")
		for _, g := range guidelines {
			fmt.Fprintf(&sb, "- %s\n", g)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ToolsFor returns the tool names mapped to an entity type.
func ToolsFor(entityType string) []string {
	return entityTools[entityType]
}

// compactFields strips metadata keys and compacts values.
func compactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if metadataKeys[key] {
			continue
		}
		out[key] = compactValue(value)
	}
	return out
}

// compactValue bounds strings, arrays and nested maps for rendering.
func compactValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxStringLen {
			cut := maxStringLen
			// Back up to a rune boundary so the cut never yields invalid UTF-8.
			for cut > 0 && !utf8.RuneStart(val[cut]) {
				cut--
			}
			return val[:cut] + "..."
		}
		return val
	case []any:
		if len(val) > maxArrayItems {
			kept := make([]any, 0, maxArrayItems+1)
			for _, item := range val[:maxArrayItems] {
				kept = append(kept, compactValue(item))
			}
			kept = append(kept, fmt.Sprintf("(%d more)", len(val)-maxArrayItems))
			return kept
		}
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, compactValue(item))
		}
		return out
	case map[string]any:
		return compactFields(val)
	default:
		return v
	}
}

// writeFields renders a field map as sorted markdown bullets.
func writeFields(sb *strings.Builder, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, "- %s: %v\n", k, fields[k])
	}
}
