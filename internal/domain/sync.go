package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Direction of a relationship, relative to the record that owns the
// foreign-key field. An "outgoing" rule writes (owner)-[edge]->(target).
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// GraphEntity is one typed node ready for the graph store. Property values
// are restricted to scalars, JSON text, or scalar slices.
type GraphEntity struct {
	SourceID   string
	Label      string
	Properties map[string]any
	SyncedAt   time.Time
}

// RelationCandidate is an ephemeral edge proposal. It only becomes a
// relationship if both endpoint nodes already exist in the store.
type RelationCandidate struct {
	SourceID    string
	TargetID    string
	EdgeType    string
	SourceLabel string
	TargetLabel string
	Direction   Direction
}

// From and To resolve the write orientation of a candidate.
func (rc RelationCandidate) From() (id, label string) {
	if rc.Direction == DirectionIncoming {
		return rc.TargetID, rc.TargetLabel
	}
	return rc.SourceID, rc.SourceLabel
}

func (rc RelationCandidate) To() (id, label string) {
	if rc.Direction == DirectionIncoming {
		return rc.SourceID, rc.SourceLabel
	}
	return rc.TargetID, rc.TargetLabel
}

type RelationRule struct {
	Field       string    `yaml:"field"`
	EdgeType    string    `yaml:"edge_type"`
	TargetLabel string    `yaml:"target_label"`
	Direction   Direction `yaml:"direction"`
}

// SchemaMapping declares how one source entity type projects into the graph.
// Instances are immutable once loaded; reload swaps the whole snapshot.
type SchemaMapping struct {
	EntityType       string         `yaml:"entity_type"`
	NodeLabel        string         `yaml:"node_label"`
	Fields           []string       `yaml:"fields"`
	NumericFields    []string       `yaml:"numeric_fields"`
	TimeFields       []string       `yaml:"time_fields"`
	Relations        []RelationRule `yaml:"relations"`
	AllowSharedLabel bool           `yaml:"allow_shared_label"`
}

func (m *SchemaMapping) HasField(name string) bool {
	for _, f := range m.Fields {
		if f == name {
			return true
		}
	}
	return false
}

type SyncStatus string

const (
	SyncStatusDone           SyncStatus = "done"
	SyncStatusPartialFailure SyncStatus = "partial_failure"
	SyncStatusFailed         SyncStatus = "failed"
)

type TypeResult struct {
	Fetched int      `json:"fetched"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func (tr *TypeResult) Failed() bool { return len(tr.Errors) > 0 }

// SyncResult aggregates one run. Created at run start, mutated through the
// run, returned at the end; never persisted as-is (SyncRun is the record).
type SyncResult struct {
	Status SyncStatus             `json:"status"`
	Types  map[string]*TypeResult `json:"entity_types"`
}

func NewSyncResult() *SyncResult {
	return &SyncResult{Status: SyncStatusFailed, Types: map[string]*TypeResult{}}
}

// ForType returns the counter bucket for an entity type, creating it on
// first use.
func (r *SyncResult) ForType(entityType string) *TypeResult {
	tr, ok := r.Types[entityType]
	if !ok {
		tr = &TypeResult{}
		r.Types[entityType] = tr
	}
	return tr
}

func (r *SyncResult) TotalFetched() int {
	n := 0
	for _, tr := range r.Types {
		n += tr.Fetched
	}
	return n
}

func (r *SyncResult) TotalCreated() int {
	n := 0
	for _, tr := range r.Types {
		n += tr.Created
	}
	return n
}

func (r *SyncResult) TotalUpdated() int {
	n := 0
	for _, tr := range r.Types {
		n += tr.Updated
	}
	return n
}

func (r *SyncResult) TotalSkipped() int {
	n := 0
	for _, tr := range r.Types {
		n += tr.Skipped
	}
	return n
}

// AllErrors flattens per-type errors, prefixed by entity type, in stable
// order.
func (r *SyncResult) AllErrors() []string {
	names := make([]string, 0, len(r.Types))
	for name := range r.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []string
	for _, name := range names {
		for _, msg := range r.Types[name].Errors {
			out = append(out, name+": "+msg)
		}
	}
	return out
}

// EntityTypeNames returns the requested types in stable order.
func (r *SyncResult) EntityTypeNames() []string {
	names := make([]string, 0, len(r.Types))
	for name := range r.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncRun is the persisted audit record of one sync invocation.
type SyncRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	EntityTypes datatypes.JSON `gorm:"column:entity_types;type:jsonb" json:"entity_types"`
	Counters    datatypes.JSON `gorm:"column:counters;type:jsonb" json:"counters"`
	ErrorCount  int            `gorm:"column:error_count;not null;default:0" json:"error_count"`
	StartedAt   time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt  *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (SyncRun) TableName() string { return "sync_run" }
