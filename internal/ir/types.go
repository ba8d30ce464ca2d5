package ir

import "time"

// SliceType names a typed projection of an entity, e.g. "CORE" or "PRICE".
type SliceType string

// RawDataRecord is one immutable version of an entity's raw payload.
// A new version is a new record, never an update.
type RawDataRecord struct {
	TenantID      string `json:"tenant_id"`
	EntityKey     string `json:"entity_key"`
	Version       int64  `json:"version"`
	SchemaID      string `json:"schema_id"`
	SchemaVersion string `json:"schema_version"`
	Payload       string `json:"payload"` // canonical JSON text
	PayloadHash   string `json:"payload_hash"`
}

// NewRawDataRecord canonicalizes payload and computes its hash.
func NewRawDataRecord(tenantID, entityKey string, version int64, schemaID, schemaVersion string, payload []byte) (RawDataRecord, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return RawDataRecord{}, err
	}
	return RawDataRecord{
		TenantID:      tenantID,
		EntityKey:     entityKey,
		Version:       version,
		SchemaID:      schemaID,
		SchemaVersion: schemaVersion,
		Payload:       string(canonical),
		PayloadHash:   PayloadHash(canonical),
	}, nil
}

// Tombstone marks a slice as a logical delete. Immutable once created.
type Tombstone struct {
	IsDeleted        bool   `json:"is_deleted"`
	DeletedAtVersion int64  `json:"deleted_at_version"`
	DeleteReason     string `json:"delete_reason"`
}

// SliceRecord is one typed, hashed projection of an entity version.
// There is exactly one SliceRecord per (entity key, version, slice type).
type SliceRecord struct {
	TenantID       string     `json:"tenant_id"`
	EntityKey      string     `json:"entity_key"`
	Version        int64      `json:"version"`
	SliceType      SliceType  `json:"slice_type"`
	Data           string     `json:"data"` // canonical JSON text
	Hash           string     `json:"hash"`
	RuleSetID      string     `json:"rule_set_id"`
	RuleSetVersion string     `json:"rule_set_version"`
	Tombstone      *Tombstone `json:"tombstone,omitempty"`
}

// InvertedIndexEntry is a derived lookup row produced from a slice.
//
// RefEntityKey/RefVersion identify the entity whose slice produced the entry.
// TargetEntityKey/TargetVersion identify the entity the indexed value points
// at: the entity itself for forward entries, the referenced upstream entity
// for reverse entries. Fanout queries a reverse index by upstream id and
// re-slices the returned Ref entities.
type InvertedIndexEntry struct {
	TenantID        string    `json:"tenant_id"`
	RefEntityKey    string    `json:"ref_entity_key"`
	RefVersion      int64     `json:"ref_version"`
	TargetEntityKey string    `json:"target_entity_key"`
	TargetVersion   int64     `json:"target_version"`
	IndexType       string    `json:"index_type"`
	IndexValue      string    `json:"index_value"`
	SliceType       SliceType `json:"slice_type"`
	SliceHash       string    `json:"slice_hash"`
	Tombstone       bool      `json:"tombstone"`
}

// IndexTarget is one row returned by a reverse index query.
type IndexTarget struct {
	EntityKey string `json:"entity_key"`
	Version   int64  `json:"version"`
}

// IndexPage is one page of a cursor-paginated index query.
// NextCursor is empty when there are no more rows.
type IndexPage struct {
	Targets    []IndexTarget `json:"targets"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ChangeType classifies the difference between two payload versions.
type ChangeType string

const (
	ChangeCreate   ChangeType = "CREATE"
	ChangeUpdate   ChangeType = "UPDATE"
	ChangeDelete   ChangeType = "DELETE"
	ChangeNoChange ChangeType = "NO_CHANGE"
)

// ChangedPath is a JSON pointer into the payload plus the content hash of
// the subtree at that pointer in the newer version (or of null when the
// subtree was removed).
type ChangedPath struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// ImpactDetail lists the distinct changed paths that triggered one slice type.
type ImpactDetail struct {
	SliceType SliceType `json:"slice_type"`
	Paths     []string  `json:"paths"`
}

// ChangeSet is the immutable, content-addressed diff of two entity versions.
type ChangeSet struct {
	ID                 string                 `json:"change_set_id"`
	TenantID           string                 `json:"tenant_id"`
	EntityType         string                 `json:"entity_type"`
	EntityKey          string                 `json:"entity_key"`
	FromVersion        int64                  `json:"from_version"`
	ToVersion          int64                  `json:"to_version"`
	ChangeType         ChangeType             `json:"change_type"`
	ChangedPaths       []ChangedPath          `json:"changed_paths"`
	ImpactedSliceTypes []SliceType            `json:"impacted_slice_types"`
	ImpactMap          map[SliceType][]string `json:"impact_map,omitempty"`
	PayloadHash        string                 `json:"payload_hash"`
}

// Paths returns the bare pointer strings of the changed paths.
func (cs ChangeSet) Paths() []string {
	out := make([]string, len(cs.ChangedPaths))
	for i, p := range cs.ChangedPaths {
		out[i] = p.Path
	}
	return out
}

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxProcessed  OutboxStatus = "PROCESSED"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDLQ        OutboxStatus = "DLQ"
)

// OutboxEntry is one durable, claimable fact awaiting processing.
// Seq is assigned by the store on insert and gives a total insertion order
// used for tie-breaking and cursor pagination.
type OutboxEntry struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	IdempotencyKey string       `json:"idempotency_key"`
	AggregateType  string       `json:"aggregate_type"`
	AggregateID    string       `json:"aggregate_id"`
	EventType      string       `json:"event_type"`
	Payload        string       `json:"payload"`
	Status         OutboxStatus `json:"status"`
	Priority       int          `json:"priority"`
	EntityVersion  *int64       `json:"entity_version,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	ClaimedBy      string       `json:"claimed_by,omitempty"`
	RetryCount     int          `json:"retry_count"`
	FailureReason  *string      `json:"failure_reason,omitempty"`
}
