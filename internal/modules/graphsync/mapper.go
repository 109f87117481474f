package graphsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

// Layouts the source system has been observed emitting for date-ish fields.
var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Mapper turns sanitized records into GraphEntities and RelationCandidates.
type Mapper struct {
	log       *logger.Logger
	sanitizer *Sanitizer
	namespace string
}

func NewMapper(log *logger.Logger, sanitizer *Sanitizer, namespace string) *Mapper {
	return &Mapper{
		log:       log.With("component", "EntityMapper"),
		sanitizer: sanitizer,
		namespace: strings.TrimSpace(namespace),
	}
}

// Map projects one raw record through its mapping. ok is false when the
// record cannot identify itself (no usable id); that is a skip, not an
// error, and the caller keeps going.
func (m *Mapper) Map(raw map[string]any, mapping *domain.SchemaMapping, now time.Time) (*domain.GraphEntity, []domain.RelationCandidate, bool) {
	props, refs := m.sanitizer.Sanitize(raw, mapping)

	rawID := lookupID(raw["id"])
	if rawID == "" {
		if len(raw) > 0 {
			m.log.Warn("record without id skipped", "entity_type", mapping.EntityType)
		}
		return nil, nil, false
	}

	for _, field := range mapping.TimeFields {
		m.normalizeTime(props, mapping.EntityType, field)
	}
	for _, field := range mapping.NumericFields {
		m.coerceNumeric(props, mapping.EntityType, field)
	}

	entity := &domain.GraphEntity{
		SourceID:   m.namespacedID(rawID),
		Label:      mapping.NodeLabel,
		Properties: props,
		SyncedAt:   now,
	}

	var candidates []domain.RelationCandidate
	for _, ref := range refs {
		candidates = append(candidates, domain.RelationCandidate{
			SourceID:    entity.SourceID,
			TargetID:    m.namespacedID(ref.TargetID),
			EdgeType:    ref.Rule.EdgeType,
			SourceLabel: mapping.NodeLabel,
			TargetLabel: ref.Rule.TargetLabel,
			Direction:   ref.Rule.Direction,
		})
	}
	return entity, candidates, true
}

// namespacedID prefixes the system namespace so ids from unrelated source
// systems cannot collide in the graph.
func (m *Mapper) namespacedID(rawID string) string {
	return m.namespace + ":" + rawID
}

// normalizeTime rewrites a date-ish property to RFC3339 UTC. Unparseable
// values are dropped with a warning rather than failing the record.
func (m *Mapper) normalizeTime(props map[string]any, entityType, field string) {
	value, ok := props[field]
	if !ok {
		return
	}
	str, isStr := value.(string)
	if !isStr {
		if f, isNum := value.(float64); isNum {
			// Epoch seconds or milliseconds, disambiguated by magnitude.
			secs := int64(f)
			if secs > 1e12 {
				secs /= 1000
			}
			props[field] = time.Unix(secs, 0).UTC().Format(time.RFC3339)
			return
		}
		m.dropField(props, entityType, field, "unparseable time")
		return
	}
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(str)); err == nil {
			props[field] = t.UTC().Format(time.RFC3339)
			return
		}
	}
	m.dropField(props, entityType, field, "unparseable time")
}

// coerceNumeric forces a declared numeric field to float64, dropping values
// that cannot be coerced.
func (m *Mapper) coerceNumeric(props map[string]any, entityType, field string) {
	value, ok := props[field]
	if !ok {
		return
	}
	switch v := value.(type) {
	case float64:
		return
	case int:
		props[field] = float64(v)
	case int64:
		props[field] = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			m.dropField(props, entityType, field, "uncoercible numeric")
			return
		}
		props[field] = f
	default:
		m.dropField(props, entityType, field, "uncoercible numeric")
	}
}

func (m *Mapper) dropField(props map[string]any, entityType, field, reason string) {
	delete(props, field)
	m.log.Warn("field dropped", "entity_type", entityType, "field", field, "reason", reason)
}
