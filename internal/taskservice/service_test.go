package taskservice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/catalog"
	"github.com/phrazzld/contextflow/internal/contextmgr"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/platform/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (Service, *memory.ContextStore, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.New([]domain.Template{
		{Name: "sentiment-v2", Purpose: "sentiment", Capability: domain.CapabilityAnalysis, Version: "2",
			Parameters: map[string]any{"labels": "pos,neg"}},
		{Name: "summary-v1", Purpose: "summary", Capability: domain.CapabilityGenerative, Version: "1"},
	}, nil)
	require.NoError(t, err)

	s := memory.NewContextStore()
	mgr := contextmgr.NewManager(s, nil, contextmgr.DefaultConfig(), logger.Discard())
	svc, err := NewService(cat, mgr, "test", logger.Discard())
	require.NoError(t, err)
	return svc, s, cat
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, "test", logger.Discard())
	assert.ErrorIs(t, err, domain.ErrValidation)

	cat, _ := catalog.New(nil, nil)
	mgr := contextmgr.NewManager(memory.NewContextStore(), nil, contextmgr.DefaultConfig(), logger.Discard())
	_, err = NewService(cat, mgr, "Bad Source", logger.Discard())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateContext(t *testing.T) {
	t.Parallel()
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateContext(ctx, domain.Request{SubjectID: "u1", Text: "great product"}, "sentiment", CreateOptions{
		Priority: domain.PriorityHigh,
		JobID:    "adhoc",
	})
	require.NoError(t, err)

	id, err := ident.Decode(c.ID)
	require.NoError(t, err)
	assert.Equal(t, ident.PrefixContext, id.Prefix)
	assert.Equal(t, "test", id.Source)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, domain.CapabilityAnalysis, got.Capability)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, "sentiment-v2", got.Template.Name)
	assert.Equal(t, "adhoc", got.Tags[domain.TagJob])
	assert.Equal(t, "test", got.Tags[domain.TagSource])
	assert.Equal(t, "created", got.Tags[domain.TagStatus])
}

func TestCreateContextTemplateNotFound(t *testing.T) {
	t.Parallel()
	svc, s, _ := newTestService(t)

	_, err := svc.CreateContext(context.Background(), domain.Request{Text: "hola"}, "translation", CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	assert.Equal(t, 0, s.Len(), "nothing is persisted when the template is missing")
}

func TestCreateContextRejectsEmptyRequest(t *testing.T) {
	t.Parallel()
	svc, s, _ := newTestService(t)

	_, err := svc.CreateContext(context.Background(), domain.Request{SubjectID: "u1"}, "sentiment", CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.CreateContext(context.Background(), domain.Request{Text: "x"}, "sentiment", CreateOptions{Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, s.Len())
}

func TestCreateIndividualAppliesOverrides(t *testing.T) {
	t.Parallel()
	svc, _, cat := newTestService(t)
	tmpl, err := svc.ResolveTemplate("sentiment")
	require.NoError(t, err)

	c, err := svc.CreateIndividual(context.Background(), domain.Item{Key: "i1", SubjectID: "u1", TenantID: "t1", Text: "meh"}, tmpl, CreateOptions{
		ParentID:  "bat_parent",
		Overrides: map[string]any{"labels": "pos,neg,neutral"},
		Retry:     domain.RetryPolicy{MaxRetries: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "pos,neg,neutral", c.Template.Parameters["labels"])
	assert.Equal(t, "bat_parent", c.ParentID)
	assert.Equal(t, "bat_parent", c.Tags[domain.TagBatch])
	assert.Equal(t, "i1", c.Request.Metadata["item_key"])
	assert.Equal(t, 2, c.Retry.MaxRetries)

	original, err := cat.Resolve("sentiment")
	require.NoError(t, err)
	assert.Equal(t, "pos,neg", original.Parameters["labels"], "catalog template is not mutated")
}

func TestCreateObjectBatch(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	tmpl, err := svc.ResolveTemplate("summary")
	require.NoError(t, err)

	c, err := svc.CreateObjectBatch(context.Background(), "cat_42", json.RawMessage(`{"items":[1,2,3]}`), tmpl, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cat_42", c.Request.Metadata["category_id"])
	assert.JSONEq(t, `{"items":[1,2,3]}`, string(c.Request.Data))

	_, err = svc.CreateObjectBatch(context.Background(), "cat_42", nil, tmpl, CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateCombinedBatch(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	tmpl, err := svc.ResolveTemplate("summary")
	require.NoError(t, err)

	c, err := svc.CreateCombinedBatch(context.Background(), map[string]json.RawMessage{
		"cat_2": json.RawMessage(`{"n":2}`),
		"cat_1": json.RawMessage(`{"n":1}`),
	}, tmpl, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cat_1,cat_2", c.Request.Metadata["category_ids"])
	assert.JSONEq(t, `{"categories":{"cat_1":{"n":1},"cat_2":{"n":2}}}`, string(c.Request.Data))

	_, err = svc.CreateCombinedBatch(context.Background(), nil, tmpl, CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateBatchContext(t *testing.T) {
	t.Parallel()
	svc, s, _ := newTestService(t)
	tmpl, err := svc.ResolveTemplate("summary")
	require.NoError(t, err)
	job := domain.JobDefinition{ID: "weekly", Strategy: domain.StrategyObject, Template: "summary", Priority: domain.PriorityLow}

	c, err := svc.CreateBatchContext(context.Background(), job, tmpl, "")
	require.NoError(t, err)
	assert.True(t, ident.HasPrefix(c.ID, ident.PrefixBatch))
	assert.Equal(t, domain.CapabilityBatch, c.Capability)
	assert.Equal(t, domain.PriorityLow, c.Priority)
	assert.Equal(t, "weekly", c.Tags[domain.TagJob])
	require.NotNil(t, c.Results.Progress)

	preset := ident.MustNew(ident.PrefixBatch, "test", time.Now())
	c, err = svc.CreateBatchContext(context.Background(), job, tmpl, preset)
	require.NoError(t, err)
	assert.Equal(t, preset, c.ID)
	assert.Equal(t, 2, s.Len())

	_, err = svc.CreateBatchContext(context.Background(), job, tmpl, ident.MustNew(ident.PrefixContext, "test", time.Now()))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
