package graphsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

// Property keys that collide with prototype-chain names. Sanitized records
// are round-tripped through a JSON boundary consumed by a web client, so
// these never survive into output properties.
var dangerousKeys = map[string]bool{
	"__proto__":        true,
	"constructor":      true,
	"prototype":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
}

// Name fallback chain for lookup fields: explicit display name, composed
// first+last, email, then other descriptive fields.
var (
	lookupDisplayKeys     = []string{"name", "display_name", "label"}
	lookupDescriptiveKeys = []string{"email", "domain", "title", "subject"}
)

// RelationRef is a resolved relation source field: the rule that matched and
// the raw (un-namespaced) target id it pointed at.
type RelationRef struct {
	Rule     domain.RelationRule
	TargetID string
}

// Sanitizer normalizes one raw source record against a mapping. It never
// fails: every malformed shape has a defined fallback, and fallbacks are
// logged as data-quality warnings rather than surfaced as errors.
type Sanitizer struct {
	log *logger.Logger
}

func NewSanitizer(log *logger.Logger) *Sanitizer {
	return &Sanitizer{log: log.With("component", "RecordSanitizer")}
}

// Sanitize returns the whitelisted, normalized property map and one
// RelationRef per relation rule whose source field resolved to a non-empty
// id. A nil or empty record yields empty outputs.
func (s *Sanitizer) Sanitize(raw map[string]any, mapping *domain.SchemaMapping) (map[string]any, []RelationRef) {
	props := map[string]any{}
	if len(raw) == 0 {
		s.log.Debug("empty record skipped", "entity_type", mapping.EntityType)
		return props, nil
	}

	// Iterate the whitelist, not the record, so output key order is fixed
	// by the mapping.
	for _, field := range mapping.Fields {
		if dangerousKeys[field] {
			s.log.Warn("dangerous property key dropped", "entity_type", mapping.EntityType, "field", field)
			continue
		}
		value, ok := raw[field]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			s.flattenLookup(props, field, v)
		case []any:
			s.normalizeList(props, mapping.EntityType, field, v)
		default:
			if sv, isStr := v.(string); isStr && noneString(sv) {
				continue
			}
			props[field] = v
		}
	}

	var refs []RelationRef
	for _, rule := range mapping.Relations {
		id := lookupID(raw[rule.Field])
		if id == "" {
			continue
		}
		refs = append(refs, RelationRef{Rule: rule, TargetID: id})
	}
	return props, refs
}

// flattenLookup turns a nested lookup object into {field}_id / {field}_name
// scalar properties.
func (s *Sanitizer) flattenLookup(props map[string]any, field string, lookup map[string]any) {
	if id := lookupID(lookup); id != "" {
		props[field+"_id"] = id
	}
	if name := lookupName(lookup); name != "" {
		props[field+"_name"] = name
	}
}

// normalizeList drops null entries, then classifies by the first survivor:
// nested objects serialize to a JSON-text property, scalars stay a scalar
// sequence. An all-null list omits the field.
func (s *Sanitizer) normalizeList(props map[string]any, entityType, field string, list []any) {
	kept := make([]any, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return
	}
	if _, nested := kept[0].(map[string]any); nested {
		raw, err := json.Marshal(kept)
		if err != nil {
			s.log.Warn("unserializable list dropped", "entity_type", entityType, "field", field, "error", err)
			return
		}
		props[field] = string(raw)
		return
	}
	scalars := make([]any, 0, len(kept))
	for _, item := range kept {
		switch item.(type) {
		case map[string]any, []any:
			// Mixed list classified as scalar by its head; drop the
			// stragglers instead of producing an unstorable value.
			s.log.Warn("mixed-shape list entry dropped", "entity_type", entityType, "field", field)
		default:
			scalars = append(scalars, item)
		}
	}
	if len(scalars) > 0 {
		props[field] = scalars
	}
}

// lookupID extracts a foreign-key id from a relation source field, which may
// be a nested lookup object or a bare scalar id.
func lookupID(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case map[string]any:
		return scalarString(v["id"])
	default:
		return scalarString(v)
	}
}

func lookupName(lookup map[string]any) string {
	for _, key := range lookupDisplayKeys {
		if name := scalarString(lookup[key]); name != "" {
			return name
		}
	}
	if name := composeName(lookup["first_name"], lookup["last_name"]); name != "" {
		return name
	}
	for _, key := range lookupDescriptiveKeys {
		if name := scalarString(lookup[key]); name != "" {
			return name
		}
	}
	return ""
}

// composeName joins first and last name, excluding empty and "None"
// components before composition.
func composeName(first, last any) string {
	parts := make([]string, 0, 2)
	if f := scalarString(first); f != "" {
		parts = append(parts, f)
	}
	if l := scalarString(last); l != "" {
		parts = append(parts, l)
	}
	return strings.Join(parts, " ")
}

// scalarString renders a scalar as a trimmed string. The literal "None" is
// an upstream serialization defect and reads as absent.
func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		if noneString(v) {
			return ""
		}
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func noneString(s string) bool {
	t := strings.TrimSpace(s)
	return t == "" || t == "None"
}
