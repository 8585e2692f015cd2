package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/osa-io/osa/internal/config"
	"github.com/osa-io/osa/internal/deposition"
	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/features"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/runner"
	"github.com/osa-io/osa/internal/storage"
)

const testConvention = "urn:osa:pdb:conv:structures@1.0.0"

// fakeRunner satisfies ContainerRunner without a container daemon. Hook
// outputs are scripted per hook name; RunHook drops the scripted
// features.json into the workspace the way a real container would.
type fakeRunner struct {
	hookStatus   map[string]domain.HookStatus
	hookFeatures map[string]string

	sourceOutput *domain.SourceOutput
	sourceErr    error
	sourceRuns   []runner.SourceRunOptions
}

func (f *fakeRunner) RunHook(_ context.Context, hook *domain.HookDefinition, ws *runner.Workspace) *domain.HookResult {
	name := hook.Manifest.Name

	if content, ok := f.hookFeatures[name]; ok {
		if err := os.WriteFile(filepath.Join(ws.OutDir(), "features.json"), []byte(content), 0o640); err != nil {
			return &domain.HookResult{HookName: name, Status: domain.HookFailed, ErrorMessage: err.Error()}
		}
	}

	status := f.hookStatus[name]
	if status == "" {
		status = domain.HookPassed
	}

	result := &domain.HookResult{HookName: name, Status: status}
	if status == domain.HookRejected {
		result.RejectionReason = "scripted rejection"
	}

	return result
}

func (f *fakeRunner) RunSource(_ context.Context, _ *domain.SourceDefinition, _ *runner.Workspace, opts runner.SourceRunOptions) (*domain.SourceOutput, error) {
	f.sourceRuns = append(f.sourceRuns, opts)

	if f.sourceErr != nil {
		return nil, f.sourceErr
	}

	return f.sourceOutput, nil
}

type testPipeline struct {
	handlers *Handlers
	outbox   *outbox.Store
	deps     *deposition.Store
	sources  *SourceStateStore
	runner   *fakeRunner
	conn     *storage.Connection
}

func testPipelineConfig() *config.Pipeline {
	return &config.Pipeline{
		Sources: []config.SourceSpec{{
			Name:       "pdb_ingest",
			Image:      "registry.osa.io/sources/pdb:2.0",
			Digest:     "sha256:ef56ab78",
			Convention: testConvention,
			Schedule:   "0 * * * *",
		}},
		Conventions: []config.ConventionSpec{{
			SRN: testConvention,
			Hooks: []config.HookSpec{{
				Name:        "pocket_detect",
				Image:       "registry.osa.io/hooks/pocket-detect:1.2",
				Digest:      "sha256:ab12cd34",
				Cardinality: "many",
				FeatureSchema: []config.ColumnSpec{
					{Name: "pocket_count", Type: "integer", Required: true},
				},
			}},
		}},
	}
}

func setupPipeline(t *testing.T) (*testPipeline, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := storage.Connect(ctx, storage.NewConfig(testDB.URL))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := outbox.NewSubscriptionRegistry()
	obox := outbox.NewStore(conn, registry, logger)

	fake := &fakeRunner{
		hookStatus:   map[string]domain.HookStatus{},
		hookFeatures: map[string]string{},
	}

	handlers := NewHandlers(HandlerDeps{
		Conn:        conn,
		Depositions: deposition.NewStore(conn, logger),
		Outbox:      obox,
		Features:    features.NewStore(conn, logger),
		Runner:      fake,
		Sources:     NewSourceStateStore(conn),
		Pipeline:    testPipelineConfig(),
		DomainName:  "pdb",
		DataDir:     t.TempDir(),
		Logger:      logger,
	})

	for _, reg := range Registrations(handlers, nil, nil) {
		require.NoError(t, registry.Subscribe(reg.EventType, reg.ConsumerGroup))
	}

	return &testPipeline{
		handlers: handlers,
		outbox:   obox,
		deps:     deposition.NewStore(conn, logger),
		sources:  NewSourceStateStore(conn),
		runner:   fake,
		conn:     conn,
	}, ctx
}

// appendEvent writes one event through the outbox the way a producer would.
func appendEvent(t *testing.T, ctx context.Context, tp *testPipeline, payload domain.Payload) *domain.Event {
	t.Helper()

	tx, err := tp.conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	event, err := tp.outbox.AppendNew(ctx, tx, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return event
}

// claimOne claims exactly one pending delivery for a group and acks it
// after the handler runs, mirroring the worker loop.
func claimOne(t *testing.T, ctx context.Context, tp *testPipeline, eventType, group string) *domain.Event {
	t.Helper()

	deliveries, err := tp.outbox.Claim(ctx, eventType, group, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, deliveries, 1, "expected one pending %s delivery for %s", eventType, group)

	event := deliveries[0].Event
	require.NoError(t, tp.outbox.Ack(ctx, event.ID, group, time.Now().UTC()))

	return event
}

func stageRecord(t *testing.T) string {
	t.Helper()

	staged := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staged, "structure.cif"), []byte("data_lyso"), 0o640))

	return staged
}

func TestPipeline_SourceRecordToPublishedRecord(t *testing.T) {
	tp, ctx := setupPipeline(t)
	tp.runner.hookFeatures["pocket_detect"] = `[{"pocket_count":3}]`

	trigger := appendEvent(t, ctx, tp, domain.SourceRecordReady{
		SourceName:    "pdb_ingest",
		StagedDir:     stageRecord(t),
		Record:        json.RawMessage(`{"title":"lysozyme structure"}`),
		ConventionSRN: testConvention,
	})

	require.NoError(t, tp.handlers.CreateDepositionFromSource(ctx, trigger))

	submitted := claimOne(t, ctx, tp, domain.TypeDepositionSubmitted, GroupBeginValidation)
	require.NoError(t, tp.handlers.BeginValidation(ctx, submitted))

	requested := claimOne(t, ctx, tp, domain.TypeValidationRequested, GroupExecValidation)
	require.NoError(t, tp.handlers.ExecuteValidation(ctx, requested))

	succeeded := claimOne(t, ctx, tp, domain.TypeValidationSucceeded, GroupPublishRecord)
	require.NoError(t, tp.handlers.PublishRecord(ctx, succeeded))

	published := claimOne(t, ctx, tp, domain.TypeRecordPublished, GroupInsertFeatures)
	require.NoError(t, tp.handlers.InsertRecordFeatures(ctx, published))

	fanned := claimOne(t, ctx, tp, domain.TypeRecordPublished, GroupIndexFanOut)
	require.NoError(t, tp.handlers.FanOutToIndexes(ctx, fanned))

	var payload domain.RecordPublished
	require.NoError(t, json.Unmarshal(published.Payload, &payload))

	dep, err := tp.deps.Get(ctx, payload.DepositionSRN)
	require.NoError(t, err)
	assert.Equal(t, deposition.StatusPublished, dep.Status)
	assert.Equal(t, payload.RecordSRN, dep.RecordSRN)

	record, err := tp.deps.GetRecord(ctx, payload.RecordSRN)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Generation)
	assert.JSONEq(t, `{"title":"lysozyme structure"}`, string(record.Document))

	// Staged files landed in the deposition's file tree.
	content, err := os.ReadFile(filepath.Join(dep.StagedDir, "structure.cif"))
	require.NoError(t, err)
	assert.Equal(t, "data_lyso", string(content))

	var count int
	err = tp.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM features.pocket_detect WHERE record_srn = $1`, payload.RecordSRN,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPipeline_RedeliveredIntakeIsIdempotent(t *testing.T) {
	tp, ctx := setupPipeline(t)

	trigger := appendEvent(t, ctx, tp, domain.SourceRecordReady{
		SourceName:    "pdb_ingest",
		StagedDir:     stageRecord(t),
		Record:        json.RawMessage(`{"title":"x"}`),
		ConventionSRN: testConvention,
	})

	require.NoError(t, tp.handlers.CreateDepositionFromSource(ctx, trigger))
	require.NoError(t, tp.handlers.CreateDepositionFromSource(ctx, trigger))

	var count int
	err := tp.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM depositions`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Only one DepositionSubmitted made it out.
	deliveries, err := tp.outbox.Claim(ctx, domain.TypeDepositionSubmitted, GroupBeginValidation, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestPipeline_RejectionReturnsDepositionToDraft(t *testing.T) {
	tp, ctx := setupPipeline(t)
	tp.runner.hookStatus["pocket_detect"] = domain.HookRejected

	trigger := appendEvent(t, ctx, tp, domain.SourceRecordReady{
		SourceName:    "pdb_ingest",
		StagedDir:     stageRecord(t),
		Record:        json.RawMessage(`{"title":"x"}`),
		ConventionSRN: testConvention,
	})

	require.NoError(t, tp.handlers.CreateDepositionFromSource(ctx, trigger))

	submitted := claimOne(t, ctx, tp, domain.TypeDepositionSubmitted, GroupBeginValidation)
	require.NoError(t, tp.handlers.BeginValidation(ctx, submitted))

	requested := claimOne(t, ctx, tp, domain.TypeValidationRequested, GroupExecValidation)
	require.NoError(t, tp.handlers.ExecuteValidation(ctx, requested))

	failed := claimOne(t, ctx, tp, domain.TypeValidationFailed, GroupReturnToDraft)
	require.NoError(t, tp.handlers.ReturnToDraft(ctx, failed))

	var payload domain.ValidationFailed
	require.NoError(t, json.Unmarshal(failed.Payload, &payload))
	assert.Contains(t, payload.Reason, "scripted rejection")

	dep, err := tp.deps.Get(ctx, payload.DepositionSRN)
	require.NoError(t, err)
	assert.Equal(t, deposition.StatusDraft, dep.Status)

	run, err := tp.deps.GetValidationRun(ctx, payload.RunSRN)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationRejected, run.Status)
	require.Len(t, run.Results, 1)
}

func TestPipeline_RedeliveryResumesOrphanedRun(t *testing.T) {
	tp, ctx := setupPipeline(t)

	trigger := appendEvent(t, ctx, tp, domain.SourceRecordReady{
		SourceName:    "pdb_ingest",
		StagedDir:     stageRecord(t),
		Record:        json.RawMessage(`{"title":"x"}`),
		ConventionSRN: testConvention,
	})

	require.NoError(t, tp.handlers.CreateDepositionFromSource(ctx, trigger))

	submitted := claimOne(t, ctx, tp, domain.TypeDepositionSubmitted, GroupBeginValidation)
	require.NoError(t, tp.handlers.BeginValidation(ctx, submitted))

	requested := claimOne(t, ctx, tp, domain.TypeValidationRequested, GroupExecValidation)

	var p domain.ValidationRequested
	require.NoError(t, json.Unmarshal(requested.Payload, &p))

	// A worker claims the run and dies before completing it. The janitor
	// later returns the delivery to pending; here the lease is aged past
	// expiry directly.
	picked, err := tp.deps.MarkRunRunning(ctx, p.RunSRN, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.True(t, picked)

	_, err = tp.conn.ExecContext(ctx,
		`UPDATE validation_runs SET expires_at = NOW() - INTERVAL '1 minute' WHERE srn = $1`, p.RunSRN)
	require.NoError(t, err)

	// The redelivered event re-picks the expired claim and finishes.
	require.NoError(t, tp.handlers.ExecuteValidation(ctx, requested))

	run, err := tp.deps.GetValidationRun(ctx, p.RunSRN)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationCompleted, run.Status)

	claimOne(t, ctx, tp, domain.TypeValidationSucceeded, GroupPublishRecord)
}

func TestPipeline_SyncSourceEmitsRecordsAndPersistsSession(t *testing.T) {
	tp, ctx := setupPipeline(t)
	tp.runner.sourceOutput = &domain.SourceOutput{
		Records: []json.RawMessage{
			json.RawMessage(`{"id":"r1"}`),
			json.RawMessage(`{"id":"r2"}`),
		},
		SessionState: json.RawMessage(`{"cursor":"2026-08-01"}`),
	}

	due := appendEvent(t, ctx, tp, domain.SourceSyncDue{SourceName: "pdb_ingest"})
	require.NoError(t, tp.handlers.SyncSource(ctx, due))

	deliveries, err := tp.outbox.Claim(ctx, domain.TypeSourceRecordReady, GroupDepositionIntake, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	var ready domain.SourceRecordReady
	require.NoError(t, json.Unmarshal(deliveries[0].Event.Payload, &ready))
	assert.Equal(t, "pdb_ingest", ready.SourceName)
	assert.Equal(t, testConvention, ready.ConventionSRN)
	assert.NotEmpty(t, ready.StagedDir)

	state, err := tp.sources.Get(ctx, "pdb_ingest")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.JSONEq(t, `{"cursor":"2026-08-01"}`, string(state.SessionState))
	assert.Equal(t, "succeeded", state.LastStatus)
	require.NotNil(t, state.LastSyncedAt)

	// A later sync passes the stored cursor timestamp through OSA_SINCE.
	due2 := appendEvent(t, ctx, tp, domain.SourceSyncDue{SourceName: "pdb_ingest"})
	require.NoError(t, tp.handlers.SyncSource(ctx, due2))
	require.Len(t, tp.runner.sourceRuns, 2)
	assert.NotEmpty(t, tp.runner.sourceRuns[1].Since)
}

func TestPipeline_SyncUnconfiguredSourceIsNoOp(t *testing.T) {
	tp, ctx := setupPipeline(t)

	due := appendEvent(t, ctx, tp, domain.SourceSyncDue{SourceName: "gone"})
	require.NoError(t, tp.handlers.SyncSource(ctx, due))

	deliveries, err := tp.outbox.Claim(ctx, domain.TypeSourceRecordReady, GroupDepositionIntake, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}
