package contextmgr

import (
	"context"
	"fmt"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
)

// ReferenceSink attaches batch results to subjects by writing small
// reference contexts into each subject's space.
type ReferenceSink struct {
	manager *Manager
	source  string
}

// NewReferenceSink creates a sink that mints reference ids with the given
// source tag.
func NewReferenceSink(m *Manager, source string) *ReferenceSink {
	return &ReferenceSink{manager: m, source: source}
}

// AttachReference records a pointer from subjectID to batchID. Reference
// contexts carry no work and are stored already completed.
func (s *ReferenceSink) AttachReference(ctx context.Context, subjectID, batchID string, metadata map[string]string) error {
	now := s.manager.now().UTC()
	id, err := ident.New(ident.PrefixReference, s.source, now)
	if err != nil {
		return fmt.Errorf("failed to mint reference id: %w", err)
	}

	tmpl := domain.Template{
		Name:       "reference",
		Purpose:    "reference",
		Capability: domain.CapabilityReference,
	}
	c := domain.NewContext(id, domain.CapabilityReference, domain.Request{SubjectID: subjectID}, tmpl, now)
	c.ParentID = batchID
	c.Status = domain.StatusCompleted
	c.Tags[domain.TagStatus] = string(domain.StatusCompleted)
	c.Tags[domain.TagBatch] = batchID
	c.Tags[domain.TagSource] = s.source

	jobID := metadata["job_id"]
	if jobID != "" {
		c.Tags[domain.TagJob] = jobID
	}
	c.Results = &domain.Results{
		CompletedAt: &now,
		Reference: &domain.Reference{
			BatchID:   batchID,
			JobID:     jobID,
			SubjectID: subjectID,
			Metadata:  metadata,
		},
	}
	expires := now.Add(s.manager.config.Retention)
	c.ExpiresAt = &expires

	if err := s.manager.store.Put(ctx, c); err != nil {
		return fmt.Errorf("failed to attach reference for %s: %w", subjectID, err)
	}
	s.manager.logger.Debug("attached reference",
		"subject_id", subjectID,
		"batch_id", batchID,
		"reference_id", id)
	return nil
}
