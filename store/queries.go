package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned by point lookups for missing rows.
var ErrNotFound = errors.New("record not found")

// DocumentFilter restricts document candidates before scoring.
type DocumentFilter struct {
	PatientID string
	After     *time.Time
	Before    *time.Time
}

// SearchDocuments returns documents whose text contains at least one of
// the query terms, newest first. Ranking happens in the caller; this only
// bounds the candidate set.
func (s *Store) SearchDocuments(ctx context.Context, terms []string, f DocumentFilter, limit int) ([]Document, error) {
	var docs []Document
	err := s.withRetry(ctx, "search_documents", func(tx *gorm.DB) error {
		q := tx.Model(&Document{})
		if len(terms) > 0 {
			var clauses []string
			var args []any
			for _, t := range terms {
				clauses = append(clauses, "lower(text) LIKE ?")
				args = append(args, "%"+strings.ToLower(t)+"%")
			}
			q = q.Where(strings.Join(clauses, " OR "), args...)
		}
		if f.PatientID != "" {
			q = q.Where("patient_id = ?", f.PatientID)
		}
		if f.After != nil {
			q = q.Where("created_at >= ?", *f.After)
		}
		if f.Before != nil {
			q = q.Where("created_at <= ?", *f.Before)
		}
		docs = nil
		return q.Order("created_at DESC").Limit(limit).Find(&docs).Error
	})
	return docs, err
}

// GetDocuments fetches documents by id, preserving no particular order.
func (s *Store) GetDocuments(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []Document
	err := s.withRetry(ctx, "get_documents", func(tx *gorm.DB) error {
		docs = nil
		return tx.Where("id IN ?", ids).Find(&docs).Error
	})
	return docs, err
}

// FindEntities matches entities whose surface text contains the term,
// highest confidence first.
func (s *Store) FindEntities(ctx context.Context, term string, limit int) ([]Entity, error) {
	var ents []Entity
	err := s.withRetry(ctx, "find_entities", func(tx *gorm.DB) error {
		ents = nil
		return tx.Where("lower(text) LIKE ?", "%"+strings.ToLower(term)+"%").
			Order("confidence DESC").
			Limit(limit).
			Find(&ents).Error
	})
	return ents, err
}

// GetEntities fetches entities by id.
func (s *Store) GetEntities(ctx context.Context, ids []string) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var ents []Entity
	err := s.withRetry(ctx, "get_entities", func(tx *gorm.DB) error {
		ents = nil
		return tx.Where("id IN ?", ids).Find(&ents).Error
	})
	return ents, err
}

// EdgesTouching returns all relationships where any of the given entities
// appears as source or target. Traversal expands one frontier per call.
func (s *Store) EdgesTouching(ctx context.Context, entityIDs []string) ([]Relationship, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var edges []Relationship
	err := s.withRetry(ctx, "edges_touching", func(tx *gorm.DB) error {
		edges = nil
		return tx.Where("source_entity_id IN ? OR target_entity_id IN ?", entityIDs, entityIDs).
			Find(&edges).Error
	})
	return edges, err
}

// EntityTypeCount is one row of the per-type aggregate.
type EntityTypeCount struct {
	Type  EntityType `json:"type"`
	Count int64      `json:"count"`
}

// EntityTypeCounts aggregates entity counts per type.
func (s *Store) EntityTypeCounts(ctx context.Context) ([]EntityTypeCount, error) {
	var rows []EntityTypeCount
	err := s.withRetry(ctx, "entity_type_counts", func(tx *gorm.DB) error {
		rows = nil
		return tx.Model(&Entity{}).
			Select("type, count(*) as count").
			Group("type").
			Order("type").
			Scan(&rows).Error
	})
	return rows, err
}

// ConfidenceBucket is one quarter-width confidence histogram bucket.
type ConfidenceBucket struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int64   `json:"count"`
}

// ConfidenceDistribution histograms entity confidence into four buckets of
// width 0.25. The top bucket is inclusive of 1.0.
func (s *Store) ConfidenceDistribution(ctx context.Context) ([]ConfidenceBucket, error) {
	buckets := []ConfidenceBucket{
		{Low: 0, High: 0.25},
		{Low: 0.25, High: 0.5},
		{Low: 0.5, High: 0.75},
		{Low: 0.75, High: 1.0},
	}
	err := s.withRetry(ctx, "confidence_distribution", func(tx *gorm.DB) error {
		for i := range buckets {
			q := tx.Model(&Entity{}).Where("confidence >= ?", buckets[i].Low)
			if i < len(buckets)-1 {
				q = q.Where("confidence < ?", buckets[i].High)
			} else {
				q = q.Where("confidence <= ?", buckets[i].High)
			}
			if err := q.Count(&buckets[i].Count).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// ImageFilter restricts image candidates by acquisition metadata.
type ImageFilter struct {
	SubjectID string
	View      string
}

// ListImages returns image rows matching the filter. Similarity ranking
// and degenerate-vector exclusion happen in the caller.
func (s *Store) ListImages(ctx context.Context, f ImageFilter) ([]ImageRecord, error) {
	var imgs []ImageRecord
	err := s.withRetry(ctx, "list_images", func(tx *gorm.DB) error {
		q := tx.Model(&ImageRecord{})
		if f.SubjectID != "" {
			q = q.Where("subject_id = ?", f.SubjectID)
		}
		if f.View != "" {
			q = q.Where("view_position = ?", f.View)
		}
		imgs = nil
		return q.Find(&imgs).Error
	})
	return imgs, err
}

// InsertMemory persists a new memory record.
func (s *Store) InsertMemory(ctx context.Context, rec *MemoryRecord) error {
	return s.withRetry(ctx, "insert_memory", func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// ListMemories returns all memory rows with their embeddings.
func (s *Store) ListMemories(ctx context.Context) ([]MemoryRecord, error) {
	var recs []MemoryRecord
	err := s.withRetry(ctx, "list_memories", func(tx *gorm.DB) error {
		recs = nil
		return tx.Order("created_at DESC").Find(&recs).Error
	})
	return recs, err
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	var rec MemoryRecord
	err := s.withRetry(ctx, "get_memory", func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).First(&rec)
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		return res.Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateMemory replaces a memory's content and embedding. Explicit caller
// mutation only; nothing else ever rewrites a memory.
func (s *Store) UpdateMemory(ctx context.Context, id, content string, embedding Vector) error {
	return s.withRetry(ctx, "update_memory", func(tx *gorm.DB) error {
		res := tx.Model(&MemoryRecord{}).Where("id = ?", id).Updates(map[string]any{
			"content":   content,
			"embedding": embedding,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteMemory removes a memory by id.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_memory", func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&MemoryRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
