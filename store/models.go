package store

import "time"

// Document is an ingested clinical record. Immutable once ingested; search
// never mutates it.
type Document struct {
	ID        string    `gorm:"primaryKey;size:128" json:"id"`
	Text      string    `gorm:"type:text" json:"text"`
	Embedding Vector    `json:"embedding,omitempty"`
	PatientID string    `gorm:"index;size:128" json:"patient_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityType is the closed set of clinical concept types produced by the
// upstream extraction pipeline.
type EntityType string

const (
	EntitySymptom    EntityType = "symptom"
	EntityCondition  EntityType = "condition"
	EntityMedication EntityType = "medication"
	EntityProcedure  EntityType = "procedure"
	EntityAnatomy    EntityType = "anatomy"
	EntityDevice     EntityType = "device"
)

// Entity is an extracted clinical concept. Read-only to this module.
type Entity struct {
	ID               string     `gorm:"primaryKey;size:128" json:"id"`
	Text             string     `gorm:"index;size:512" json:"text"`
	Type             EntityType `gorm:"index;size:64" json:"type"`
	Confidence       float64    `json:"confidence"`
	SourceDocumentID string     `gorm:"index;size:128" json:"source_document_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Relationship is a directed edge between two entities. Self-loops are
// permitted; traversal guards against them.
type Relationship struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	SourceEntityID string  `gorm:"index;size:128" json:"source_entity_id"`
	TargetEntityID string  `gorm:"index;size:128" json:"target_entity_id"`
	RelationType   string  `gorm:"size:128" json:"relation_type"`
	Confidence     float64 `json:"confidence"`
}

// ImageRecord links a multimodal embedding to a medical image.
type ImageRecord struct {
	ID         string    `gorm:"primaryKey;size:128" json:"id"`
	SubjectID  string    `gorm:"index;size:128" json:"subject_id"`
	View       string    `gorm:"column:view_position;size:64" json:"view,omitempty"`
	DocumentID string    `gorm:"index;size:128" json:"document_id,omitempty"`
	Embedding  Vector    `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryKind classifies a remembered item.
type MemoryKind string

const (
	MemoryCorrection MemoryKind = "correction"
	MemoryPreference MemoryKind = "preference"
	MemoryFact       MemoryKind = "fact"
)

// MemoryRecord is a remembered correction, preference or fact. Never
// silently deleted; only explicit amend/forget calls mutate it.
type MemoryRecord struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Content   string     `gorm:"type:text" json:"content"`
	Kind      MemoryKind `gorm:"index;size:32" json:"kind"`
	Embedding Vector     `json:"embedding,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
