package taskservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
)

// TemplateResolver maps a purpose to a processing template.
type TemplateResolver interface {
	Resolve(purpose string) (domain.Template, error)
}

// ContextCreator persists new contexts. It is satisfied by the context
// manager.
type ContextCreator interface {
	Create(ctx context.Context, c *domain.Context) error
}

// CreateOptions carries the workflow fields applied to a new context.
type CreateOptions struct {
	Priority  domain.Priority
	ParentID  string
	JobID     string
	Retry     domain.RetryPolicy
	Overrides map[string]any
	Tags      map[string]string
}

// Service creates contexts.
type Service interface {
	// ResolveTemplate maps a purpose to its template.
	ResolveTemplate(purpose string) (domain.Template, error)

	// CreateContext resolves the template for purpose and creates a single
	// context for req.
	CreateContext(ctx context.Context, req domain.Request, purpose string, opts CreateOptions) (*domain.Context, error)

	// CreateIndividual creates one context for a fetched item.
	CreateIndividual(ctx context.Context, item domain.Item, tmpl domain.Template, opts CreateOptions) (*domain.Context, error)

	// CreateObjectBatch creates one context wrapping a whole category payload.
	CreateObjectBatch(ctx context.Context, categoryID string, payload json.RawMessage, tmpl domain.Template, opts CreateOptions) (*domain.Context, error)

	// CreateCombinedBatch merges several category payloads into a single
	// request and creates one context for it.
	CreateCombinedBatch(ctx context.Context, categories map[string]json.RawMessage, tmpl domain.Template, opts CreateOptions) (*domain.Context, error)

	// CreateBatchContext creates the aggregating context of a batch run.
	// batchID may be empty, in which case one is minted.
	CreateBatchContext(ctx context.Context, job domain.JobDefinition, tmpl domain.Template, batchID string) (*domain.Context, error)
}

type serviceImpl struct {
	templates TemplateResolver
	creator   ContextCreator
	source    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a task service that mints ids with the given source tag.
func NewService(templates TemplateResolver, creator ContextCreator, source string, logger *slog.Logger) (Service, error) {
	if templates == nil || creator == nil {
		return nil, domain.Validationf("task service needs a template resolver and a context creator")
	}
	if !ident.ValidSource(source) {
		return nil, domain.Validationf("invalid id source tag %q", source)
	}
	return &serviceImpl{
		templates: templates,
		creator:   creator,
		source:    source,
		logger:    logger.With("component", "task_service"),
		now:       time.Now,
	}, nil
}

func (s *serviceImpl) ResolveTemplate(purpose string) (domain.Template, error) {
	if strings.TrimSpace(purpose) == "" {
		return domain.Template{}, domain.Validationf("template purpose is required")
	}
	return s.templates.Resolve(purpose)
}

func (s *serviceImpl) CreateContext(ctx context.Context, req domain.Request, purpose string, opts CreateOptions) (*domain.Context, error) {
	tmpl, err := s.ResolveTemplate(purpose)
	if err != nil {
		return nil, NewServiceError("create_context", "failed to resolve template", err)
	}
	if req.Text == "" && len(req.Data) == 0 {
		return nil, domain.Validationf("request needs text or data")
	}
	c, err := s.create(ctx, req, tmpl, opts)
	if err != nil {
		return nil, NewServiceError("create_context", "failed to persist context", err)
	}
	return c, nil
}

func (s *serviceImpl) CreateIndividual(ctx context.Context, item domain.Item, tmpl domain.Template, opts CreateOptions) (*domain.Context, error) {
	req := domain.Request{
		SubjectID: item.SubjectID,
		TenantID:  item.TenantID,
		Text:      item.Text,
		Data:      item.Data,
		Metadata:  map[string]string{"item_key": item.Key},
	}
	c, err := s.create(ctx, req, tmpl, opts)
	if err != nil {
		return nil, NewServiceError("create_individual", "failed to persist item context", err)
	}
	return c, nil
}

func (s *serviceImpl) CreateObjectBatch(ctx context.Context, categoryID string, payload json.RawMessage, tmpl domain.Template, opts CreateOptions) (*domain.Context, error) {
	if categoryID == "" {
		return nil, domain.Validationf("category id is required")
	}
	if len(payload) == 0 {
		return nil, domain.Validationf("category %s has an empty payload", categoryID)
	}
	req := domain.Request{
		Data:     payload,
		Metadata: map[string]string{"category_id": categoryID},
	}
	c, err := s.create(ctx, req, tmpl, opts)
	if err != nil {
		return nil, NewServiceError("create_object_batch", "failed to persist object context", err)
	}
	return c, nil
}

func (s *serviceImpl) CreateCombinedBatch(ctx context.Context, categories map[string]json.RawMessage, tmpl domain.Template, opts CreateOptions) (*domain.Context, error) {
	if len(categories) == 0 {
		return nil, domain.Validationf("combined batch needs at least one category")
	}
	ids := make([]string, 0, len(categories))
	for id := range categories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged, err := json.Marshal(map[string]any{"categories": categories})
	if err != nil {
		return nil, NewServiceError("create_combined_batch", "failed to merge category payloads", err)
	}
	req := domain.Request{
		Data:     merged,
		Metadata: map[string]string{"category_ids": strings.Join(ids, ",")},
	}
	c, err := s.create(ctx, req, tmpl, opts)
	if err != nil {
		return nil, NewServiceError("create_combined_batch", "failed to persist combined context", err)
	}
	return c, nil
}

func (s *serviceImpl) CreateBatchContext(ctx context.Context, job domain.JobDefinition, tmpl domain.Template, batchID string) (*domain.Context, error) {
	now := s.now().UTC()
	if batchID == "" {
		id, err := ident.New(ident.PrefixBatch, s.source, now)
		if err != nil {
			return nil, NewServiceError("create_batch_context", "failed to mint batch id", err)
		}
		batchID = id
	} else if !ident.HasPrefix(batchID, ident.PrefixBatch) {
		return nil, domain.Validationf("batch id %q does not carry the %s prefix", batchID, ident.PrefixBatch)
	}

	c := domain.NewContext(batchID, domain.CapabilityBatch, domain.Request{
		Metadata: map[string]string{"job_id": job.ID, "strategy": string(job.Strategy)},
	}, tmpl, now)
	c.Priority = job.EffectivePriority()
	c.Retry = job.Retry
	c.Tags[domain.TagSource] = s.source
	c.Tags[domain.TagJob] = job.ID
	c.Tags[domain.TagKind] = "batch"
	c.Results = &domain.Results{
		Items:    domain.NewBatchItems(),
		Progress: &domain.Progress{},
	}

	if err := s.creator.Create(ctx, c); err != nil {
		return nil, NewServiceError("create_batch_context", "failed to persist batch context", err)
	}
	s.logger.Debug("batch context created", "batch_id", c.ID, "job_id", job.ID, "strategy", job.Strategy)
	return c, nil
}

func (s *serviceImpl) create(ctx context.Context, req domain.Request, tmpl domain.Template, opts CreateOptions) (*domain.Context, error) {
	now := s.now().UTC()
	id, err := ident.New(ident.PrefixContext, s.source, now)
	if err != nil {
		return nil, err
	}
	if len(opts.Overrides) > 0 {
		tmpl = tmpl.WithOverrides(opts.Overrides)
	}

	c := domain.NewContext(id, tmpl.Capability, req, tmpl, now)
	if opts.Priority != "" {
		if !opts.Priority.Valid() {
			return nil, domain.Validationf("unknown priority %q", opts.Priority)
		}
		c.Priority = opts.Priority
	}
	c.ParentID = opts.ParentID
	c.Retry = opts.Retry
	c.Tags[domain.TagSource] = s.source
	for k, v := range opts.Tags {
		c.Tags[k] = v
	}
	if opts.JobID != "" {
		c.Tags[domain.TagJob] = opts.JobID
	}
	if opts.ParentID != "" {
		c.Tags[domain.TagBatch] = opts.ParentID
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.creator.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Debug("context created",
		"context_id", c.ID,
		"capability", c.Capability,
		"template", tmpl.Name,
		"parent_id", opts.ParentID)
	return c, nil
}
