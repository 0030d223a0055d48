package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/anchor"
	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

type recordingObserver struct {
	mu    sync.Mutex
	cards []string
}

func (o *recordingObserver) CardChanged(ctx context.Context, cardID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cards = append(o.cards, cardID)
}

type fixture struct {
	db      store.Store
	reg     *Registry
	anchors *anchor.Store
	obs     *recordingObserver
}

func newFixture() *fixture {
	db := store.NewMemoryStore()
	al := audit.NewLogger(db, nil)
	reg := New(db, store.NewLocker(50*time.Millisecond), al, nil)
	n := 0
	reg.NewID = func() string { n++; return fmt.Sprintf("id-%d", n) }
	obs := &recordingObserver{}
	reg.Observer = obs
	return &fixture{db: db, reg: reg, anchors: anchor.New(db, al, nil), obs: obs}
}

func slaInput() CreateCardInput {
	return CreateCardInput{
		Topic: "Uptime SLA",
		Anchors: []model.SourceAnchor{
			{TextSnippet: "99.9% uptime", DocID: "doc-1", AnchorConfidence: 0.9},
			{TextSnippet: "uptime measured monthly", DocID: "doc-2", AnchorConfidence: 0.7},
		},
		Facts:          map[string]string{"Uptime SLA": "99.9%"},
		Tags:           []string{"SLA", "availability", "sla"},
		InitialVariant: VariantInput{Content: "We commit to 99.9% monthly uptime."},
	}
}

func TestCreateCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	card, err := f.reg.CreateCard(ctx, slaInput(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.8, card.OverallConfidence)
	assert.Equal(t, []string{"availability", "sla"}, card.Tags)
	assert.Equal(t, "99.9%", card.Facts["uptime_sla"])
	require.Len(t, card.Variants, 1)
	v := card.Variants[0]
	assert.Equal(t, model.StatusDraft, v.Status)
	assert.Equal(t, DefaultContext, v.Context)
	assert.Equal(t, card.ID, v.CardID)
	assert.Equal(t, "alice", v.CreatedBy)
	assert.NotEmpty(t, card.Anchors[0].ContentHash)

	got, err := f.reg.Get(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, card.OverallConfidence, got.OverallConfidence)
}

func TestCreateCard_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	tests := []struct {
		name   string
		mutate func(in *CreateCardInput)
		reason errs.Reason
	}{
		{"empty anchors", func(in *CreateCardInput) { in.Anchors = nil }, errs.ReasonEmptyAnchors},
		{"confidence above one", func(in *CreateCardInput) { in.Anchors[1].AnchorConfidence = 1.01 }, errs.ReasonConfidenceRange},
		{"confidence below zero", func(in *CreateCardInput) { in.Anchors[0].AnchorConfidence = -0.5 }, errs.ReasonConfidenceRange},
		{"missing topic", func(in *CreateCardInput) { in.Topic = "" }, errs.ReasonMissingField},
		{"missing variant", func(in *CreateCardInput) { in.InitialVariant.Content = "" }, errs.ReasonEmptyVariants},
		{"anchor without document", func(in *CreateCardInput) { in.Anchors[0].DocID = "" }, errs.ReasonMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := slaInput()
			tt.mutate(&in)
			_, err := f.reg.CreateCard(ctx, in, "alice")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation))
			assert.Equal(t, tt.reason, errs.ReasonOf(err))
		})
	}

	cards, err := f.reg.List(ctx, Filter{IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func TestAggregators(t *testing.T) {
	anchors := []model.SourceAnchor{
		{DocID: "a", AnchorConfidence: 0.9},
		{DocID: "b", AnchorConfidence: 0.6, FailReasons: []string{"ocr_low_quality"}},
		{DocID: "old", AnchorConfidence: 0.1},
	}
	current := func(a model.SourceAnchor) bool { return a.DocID != "old" }

	// (0.9*1 + 0.6*0.5) / 1.5
	assert.Equal(t, 0.8, WeightedMean{}.Aggregate(anchors, current))
	assert.Equal(t, 0.6, Minimum{}.Aggregate(anchors, current))

	none := func(model.SourceAnchor) bool { return false }
	assert.Equal(t, round4((0.9+0.3+0.1)/2.5), WeightedMean{}.Aggregate(anchors, none))
	assert.Equal(t, 0.1, Minimum{}.Aggregate(anchors, none))
	assert.Equal(t, 0.0, WeightedMean{}.Aggregate(nil, nil))

	agg, err := AggregatorByName("minimum")
	require.NoError(t, err)
	assert.Equal(t, "minimum", agg.Name())
	_, err = AggregatorByName("median")
	assert.Error(t, err)
}

func TestRecompute_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	card, err := f.reg.CreateCard(ctx, slaInput(), "alice")
	require.NoError(t, err)

	first, changed, err := f.reg.Recompute(ctx, card.ID, "alice")
	require.NoError(t, err)
	assert.False(t, changed)
	second, changed, err := f.reg.Recompute(ctx, card.ID, "alice")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.OverallConfidence, second.OverallConfidence)

	page, err := f.reg.Audit.List(ctx, audit.Filter{EntityID: card.ID})
	require.NoError(t, err)
	for _, e := range page.Entries {
		assert.NotEqual(t, model.ActionRecompute, e.Action)
	}
}

func TestRecompute_AfterReparse(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	res, err := f.anchors.Ingest(ctx, anchor.IngestDocument{DocID: "doc-1", Anchors: []anchor.AnchorInput{
		{TextSnippet: "99.9% uptime", AnchorConfidence: 0.9},
	}}, "ingest")
	require.NoError(t, err)
	res2, err := f.anchors.Ingest(ctx, anchor.IngestDocument{DocID: "doc-2", Anchors: []anchor.AnchorInput{
		{TextSnippet: "uptime measured monthly", AnchorConfidence: 0.5},
	}}, "ingest")
	require.NoError(t, err)

	in := slaInput()
	in.Anchors = append(res.Anchors, res2.Anchors...)
	card, err := f.reg.CreateCard(ctx, in, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.7, card.OverallConfidence)

	// doc-2 is re-parsed; its old anchor is no longer current.
	_, err = f.anchors.Ingest(ctx, anchor.IngestDocument{DocID: "doc-2", Anchors: []anchor.AnchorInput{
		{TextSnippet: "uptime measured weekly", AnchorConfidence: 0.4},
	}}, "ingest")
	require.NoError(t, err)

	updated, changed, err := f.reg.Recompute(ctx, card.ID, "system")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.9, updated.OverallConfidence)
	assert.Equal(t, []string{card.ID}, f.obs.cards)

	_, changed, err = f.reg.Recompute(ctx, card.ID, "system")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f.db.View(ctx, func(r store.Reader) error {
		c, err := r.GetCard(ctx, card.ID)
		require.NoError(t, err)
		n, err := SourceCount(ctx, r, c)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
}

func TestAddAnchorAndVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	card, err := f.reg.CreateCard(ctx, slaInput(), "alice")
	require.NoError(t, err)

	updated, err := f.reg.AddAnchor(ctx, card.ID, model.SourceAnchor{TextSnippet: "uptime audited", DocID: "doc-3", AnchorConfidence: 1.0}, "bob")
	require.NoError(t, err)
	assert.Len(t, updated.Anchors, 3)
	assert.Equal(t, round4((0.9+0.7+1.0)/3), updated.OverallConfidence)

	// Same anchor again is a no-op.
	again, err := f.reg.AddAnchor(ctx, card.ID, model.SourceAnchor{TextSnippet: "uptime audited", DocID: "doc-3", AnchorConfidence: 1.0}, "bob")
	require.NoError(t, err)
	assert.Len(t, again.Anchors, 3)

	_, err = f.reg.AddAnchor(ctx, card.ID, model.SourceAnchor{TextSnippet: "x", DocID: "doc-3", AnchorConfidence: 2}, "bob")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	v, err := f.reg.AddVariant(ctx, card.ID, VariantInput{Content: "Formal wording", Context: "formal"}, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, v.Status)
	assert.Equal(t, "formal", v.Context)

	got, err := f.reg.Get(ctx, card.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, 2)

	_, err = f.reg.AddVariant(ctx, card.ID, VariantInput{}, "bob")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = f.reg.AddVariant(ctx, "missing", VariantInput{Content: "x"}, "bob")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMutate_SupersededCardRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	card, err := f.reg.CreateCard(ctx, slaInput(), "alice")
	require.NoError(t, err)

	require.NoError(t, f.db.Update(ctx, func(tx store.Tx) error {
		c, err := tx.GetCard(ctx, card.ID)
		if err != nil {
			return err
		}
		return f.reg.MarkSuperseded(ctx, tx, c, "other", "alice", nil)
	}))

	_, err = f.reg.AddVariant(ctx, card.ID, VariantInput{Content: "x"}, "bob")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Equal(t, errs.ReasonCardSuperseded, errs.ReasonOf(err))

	live, err := f.reg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := f.reg.List(ctx, Filter{IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMutate_LockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	card, err := f.reg.CreateCard(ctx, slaInput(), "alice")
	require.NoError(t, err)

	release, err := f.reg.Locks.Acquire(ctx, store.CardKey(card.ID))
	require.NoError(t, err)
	defer release()

	_, err = f.reg.AddVariant(ctx, card.ID, VariantInput{Content: "x"}, "bob")
	assert.True(t, errors.Is(err, errs.ErrBusy))

	got, err := f.reg.Get(ctx, card.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, 1)
}

func TestList_Filters(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	in := slaInput()
	in.Category = "Operations"
	_, err := f.reg.CreateCard(ctx, in, "alice")
	require.NoError(t, err)
	other := slaInput()
	other.Topic = "Encryption"
	other.Tags = []string{"security"}
	_, err = f.reg.CreateCard(ctx, other, "alice")
	require.NoError(t, err)

	bySLA, err := f.reg.List(ctx, Filter{Tag: "SLA"})
	require.NoError(t, err)
	require.Len(t, bySLA, 1)
	assert.Equal(t, "Uptime SLA", bySLA[0].Topic)

	byCat, err := f.reg.List(ctx, Filter{Category: "operations"})
	require.NoError(t, err)
	assert.Len(t, byCat, 1)

	require.NoError(t, f.db.View(ctx, func(r store.Reader) error {
		c, err := FindLiveByTopic(ctx, r, "  encryption ")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "Encryption", c.Topic)
		return nil
	}))
}
