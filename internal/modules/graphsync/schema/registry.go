package schema

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

//go:embed schema_mappings.yaml
var defaultMappingsFS embed.FS

var ErrUnknownEntityType = fmt.Errorf("entity type not configured")

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type mappingsFile struct {
	Namespace string                  `yaml:"namespace"`
	Mappings  []*domain.SchemaMapping `yaml:"mappings"`
}

type snapshot struct {
	namespace string
	byType    map[string]*domain.SchemaMapping
}

// Registry holds the declarative entity-type → graph mapping. Lookups read an
// immutable snapshot; Reload parses and validates a full replacement before
// swapping it in, so concurrent readers never observe a half-updated state.
type Registry struct {
	log  *logger.Logger
	path string
	snap atomic.Pointer[snapshot]
}

// NewRegistry loads the mapping file at path, or the embedded default when
// path is empty.
func NewRegistry(log *logger.Logger, path string) (*Registry, error) {
	r := &Registry{
		log:  log.With("component", "SchemaRegistry"),
		path: strings.TrimSpace(path),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the mapping source and atomically swaps the snapshot.
// In-flight runs keep the snapshot they started with.
func (r *Registry) Reload() error {
	raw, source, err := r.read()
	if err != nil {
		return err
	}

	var file mappingsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("schema mappings parse (%s): %w", source, err)
	}
	snap, err := buildSnapshot(&file)
	if err != nil {
		return fmt.Errorf("schema mappings invalid (%s): %w", source, err)
	}

	r.snap.Store(snap)
	r.log.Info("schema mappings loaded",
		"source", source,
		"entity_types", len(snap.byType),
		"namespace", snap.namespace,
	)
	return nil
}

// Lookup returns the mapping for one entity type.
func (r *Registry) Lookup(entityType string) (*domain.SchemaMapping, error) {
	snap := r.snap.Load()
	m, ok := snap.byType[strings.TrimSpace(entityType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return m, nil
}

// Namespace is the source-system token prefixed onto every source_id.
func (r *Registry) Namespace() string {
	return r.snap.Load().namespace
}

// EntityTypes lists configured types in stable order.
func (r *Registry) EntityTypes() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.byType))
	for name := range snap.byType {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LabelOwners maps each node label to the entity types that produce it, in
// stable order.
func (r *Registry) LabelOwners() map[string][]string {
	snap := r.snap.Load()
	out := map[string][]string{}
	for name, m := range snap.byType {
		out[m.NodeLabel] = append(out[m.NodeLabel], name)
	}
	for label := range out {
		sort.Strings(out[label])
	}
	return out
}

func (r *Registry) read() ([]byte, string, error) {
	if r.path != "" {
		raw, err := os.ReadFile(r.path)
		if err != nil {
			return nil, "", fmt.Errorf("schema mappings read: %w", err)
		}
		return raw, r.path, nil
	}
	raw, err := defaultMappingsFS.ReadFile("schema_mappings.yaml")
	if err != nil {
		return nil, "", fmt.Errorf("embedded schema mappings read: %w", err)
	}
	return raw, "embedded", nil
}

func buildSnapshot(file *mappingsFile) (*snapshot, error) {
	namespace := strings.TrimSpace(file.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if len(file.Mappings) == 0 {
		return nil, fmt.Errorf("no mappings defined")
	}

	byType := make(map[string]*domain.SchemaMapping, len(file.Mappings))
	byLabel := map[string]*domain.SchemaMapping{}
	for _, m := range file.Mappings {
		if err := validateMapping(m); err != nil {
			return nil, err
		}
		if _, dup := byType[m.EntityType]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", m.EntityType)
		}
		if prev, dup := byLabel[m.NodeLabel]; dup {
			// Two types may share a label only when both opt in.
			if !prev.AllowSharedLabel || !m.AllowSharedLabel {
				return nil, fmt.Errorf("entity types %q and %q both map to label %q without allow_shared_label",
					prev.EntityType, m.EntityType, m.NodeLabel)
			}
		}
		byType[m.EntityType] = m
		byLabel[m.NodeLabel] = m
	}

	// Relation targets must be labels some mapping defines, or match-only
	// writes could never link anything.
	for _, m := range byType {
		for _, rel := range m.Relations {
			if _, ok := byLabel[rel.TargetLabel]; !ok {
				return nil, fmt.Errorf("entity type %q relation %q references undefined target label %q",
					m.EntityType, rel.Field, rel.TargetLabel)
			}
		}
	}

	return &snapshot{namespace: namespace, byType: byType}, nil
}

func validateMapping(m *domain.SchemaMapping) error {
	if m == nil {
		return fmt.Errorf("empty mapping entry")
	}
	m.EntityType = strings.TrimSpace(m.EntityType)
	m.NodeLabel = strings.TrimSpace(m.NodeLabel)
	if m.EntityType == "" {
		return fmt.Errorf("mapping with empty entity_type")
	}
	if !identRe.MatchString(m.NodeLabel) {
		return fmt.Errorf("entity type %q: node_label %q is not a valid identifier", m.EntityType, m.NodeLabel)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("entity type %q: empty field whitelist", m.EntityType)
	}
	for _, f := range append(append([]string{}, m.NumericFields...), m.TimeFields...) {
		if !m.HasField(f) {
			return fmt.Errorf("entity type %q: typed field %q is not in the field whitelist", m.EntityType, f)
		}
	}
	for i := range m.Relations {
		rel := &m.Relations[i]
		rel.Field = strings.TrimSpace(rel.Field)
		rel.TargetLabel = strings.TrimSpace(rel.TargetLabel)
		if rel.Field == "" {
			return fmt.Errorf("entity type %q: relation with empty field", m.EntityType)
		}
		if !identRe.MatchString(rel.EdgeType) {
			return fmt.Errorf("entity type %q relation %q: edge_type %q is not a valid identifier",
				m.EntityType, rel.Field, rel.EdgeType)
		}
		if rel.Direction == "" {
			rel.Direction = domain.DirectionOutgoing
		}
		if !rel.Direction.Valid() {
			return fmt.Errorf("entity type %q relation %q: invalid direction %q",
				m.EntityType, rel.Field, rel.Direction)
		}
	}
	return nil
}
