// Package pipeline wires the platform's event flow: handlers that react to
// outbox events, the consumer-group registry that binds them to workers,
// the source scheduler, and the index fan-out to Kafka.
//
// Every handler is idempotent. New aggregates derive their SRN local part
// from the triggering event's id, so a redelivered event converges on the
// same rows instead of creating duplicates.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/osa-io/osa/internal/config"
	"github.com/osa-io/osa/internal/deposition"
	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/features"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/runner"
	"github.com/osa-io/osa/internal/srn"
	"github.com/osa-io/osa/internal/storage"
)

type (
	// ContainerRunner is the slice of the OCI runner the handlers use.
	ContainerRunner interface {
		RunHook(ctx context.Context, hook *domain.HookDefinition, ws *runner.Workspace) *domain.HookResult
		RunSource(ctx context.Context, src *domain.SourceDefinition, ws *runner.Workspace, opts runner.SourceRunOptions) (*domain.SourceOutput, error)
	}

	// Handlers holds the shared dependencies of every event handler.
	Handlers struct {
		conn        *storage.Connection
		depositions *deposition.Store
		outbox      *outbox.Store
		features    *features.Store
		runner      ContainerRunner
		sources     *SourceStateStore
		pipeline    *config.Pipeline

		// domainName is the SRN domain new aggregates are minted in.
		domainName string

		// dataDir roots the durable workspaces and deposition file trees.
		dataDir string

		logger *slog.Logger
	}

	// HandlerDeps collects the constructor arguments for Handlers.
	HandlerDeps struct {
		Conn        *storage.Connection
		Depositions *deposition.Store
		Outbox      *outbox.Store
		Features    *features.Store
		Runner      ContainerRunner
		Sources     *SourceStateStore
		Pipeline    *config.Pipeline
		DomainName  string
		DataDir     string
		Logger      *slog.Logger
	}
)

// NewHandlers builds the handler set.
func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		conn:        deps.Conn,
		depositions: deps.Depositions,
		outbox:      deps.Outbox,
		features:    deps.Features,
		runner:      deps.Runner,
		sources:     deps.Sources,
		pipeline:    deps.Pipeline,
		domainName:  deps.DomainName,
		dataDir:     deps.DataDir,
		logger:      deps.Logger.With("component", "pipeline"),
	}
}

// CreateDepositionFromSource turns one staged source record into a
// submitted deposition. The deposition SRN derives from the event id, so a
// redelivery hits the unique constraint and becomes a no-op.
func (h *Handlers) CreateDepositionFromSource(ctx context.Context, event *domain.Event) error {
	var p domain.SourceRecordReady
	if err := decode(event, &p); err != nil {
		return err
	}

	depSRN, err := srn.New(h.domainName, srn.KindDeposition, event.ID.String(), "")
	if err != nil {
		return err
	}

	filesDir := h.depositionFilesDir(event.ID.String())

	// Files move before the transaction: the staged dir drains to a no-op,
	// so a retry after a failed commit picks up where it left off.
	if err := deposition.MoveStagedFiles(p.StagedDir, filesDir); err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := h.depositions.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = h.depositions.Create(ctx, tx, &deposition.Deposition{
		SRN:           depSRN.String(),
		Owner:         "source:" + p.SourceName,
		ConventionSRN: p.ConventionSRN,
		SourceName:    p.SourceName,
		Record:        p.Record,
		StagedDir:     filesDir,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}

		return err
	}

	if _, err := h.depositions.Submit(ctx, tx, depSRN.String(), now); err != nil {
		return err
	}

	if _, err := h.outbox.AppendNew(ctx, tx, domain.DepositionSubmitted{DepositionSRN: depSRN.String()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	h.logger.Info("deposition created from source", "deposition", depSRN.String(), "source", p.SourceName)

	return nil
}

// BeginValidation opens a validation run for a submitted deposition and
// emits ValidationRequested with a snapshot of the convention's hooks.
func (h *Handlers) BeginValidation(ctx context.Context, event *domain.Event) error {
	var p domain.DepositionSubmitted
	if err := decode(event, &p); err != nil {
		return err
	}

	dep, err := h.depositions.Get(ctx, p.DepositionSRN)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}

		return err
	}

	runSRN, err := srn.New(h.domainName, srn.KindValidationRun, event.ID.String(), "")
	if err != nil {
		return err
	}

	snapshots, err := h.hookSnapshots(dep.ConventionSRN)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := h.depositions.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	moved, err := h.depositions.MarkValidating(ctx, tx, p.DepositionSRN, now)
	if err != nil {
		return err
	}

	if !moved {
		// Redelivery or a deposition already past submitted.
		return nil
	}

	err = h.depositions.CreateValidationRun(ctx, tx, &domain.ValidationRun{
		SRN:           runSRN.String(),
		DepositionSRN: p.DepositionSRN,
		StartedAt:     now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}

		return err
	}

	_, err = h.outbox.AppendNew(ctx, tx, domain.ValidationRequested{
		DepositionSRN: p.DepositionSRN,
		RunSRN:        runSRN.String(),
		Hooks:         snapshots,
	})
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ExecuteValidation runs every hook snapshot of a requested validation and
// completes the run with the aggregate outcome.
func (h *Handlers) ExecuteValidation(ctx context.Context, event *domain.Event) error {
	var p domain.ValidationRequested
	if err := decode(event, &p); err != nil {
		return err
	}

	now := time.Now().UTC()

	picked, err := h.depositions.MarkRunRunning(ctx, p.RunSRN, now, runLease(p.Hooks))
	if err != nil {
		return err
	}

	if !picked {
		return nil
	}

	runID, err := srn.ParseKind(p.RunSRN, srn.KindValidationRun)
	if err != nil {
		return err
	}

	dep, err := h.depositions.Get(ctx, p.DepositionSRN)
	if err != nil {
		return err
	}

	results := make([]domain.HookResult, 0, len(p.Hooks))

	for i := range p.Hooks {
		hook := &p.Hooks[i].Definition

		ws, err := runner.NewWorkspace(h.runWorkspacePath(runID.Local, hook.Manifest.Name))
		if err != nil {
			return err
		}

		if err := ws.WriteRecord(dep.Record); err != nil {
			return err
		}

		if err := ws.WriteConfig(hook.Config); err != nil {
			return err
		}

		results = append(results, *h.runner.RunHook(ctx, hook, ws))
	}

	outcome := domain.Outcome(results)

	tx, err := h.depositions.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := h.depositions.CompleteRun(ctx, tx, p.RunSRN, outcome, results, time.Now().UTC()); err != nil {
		return err
	}

	if outcome == domain.ValidationCompleted {
		_, err = h.outbox.AppendNew(ctx, tx, domain.ValidationSucceeded{
			DepositionSRN: p.DepositionSRN,
			RunSRN:        p.RunSRN,
		})
	} else {
		_, err = h.outbox.AppendNew(ctx, tx, domain.ValidationFailed{
			DepositionSRN: p.DepositionSRN,
			RunSRN:        p.RunSRN,
			Reason:        failureReason(results),
		})
	}

	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	h.logger.Info("validation run completed",
		"run", p.RunSRN, "deposition", p.DepositionSRN, "outcome", outcome)

	return nil
}

// ReturnToDraft moves a deposition whose validation failed back to draft.
// A vanished deposition is a no-op.
func (h *Handlers) ReturnToDraft(ctx context.Context, event *domain.Event) error {
	var p domain.ValidationFailed
	if err := decode(event, &p); err != nil {
		return err
	}

	moved, err := h.depositions.ReturnToDraft(ctx, p.DepositionSRN, time.Now().UTC())
	if err != nil {
		return err
	}

	if moved {
		h.logger.Info("deposition returned to draft", "deposition", p.DepositionSRN, "reason", p.Reason)
	}

	return nil
}

// PublishRecord assigns the next record generation to a validated
// deposition and emits RecordPublished with the convention's hook snapshot.
func (h *Handlers) PublishRecord(ctx context.Context, event *domain.Event) error {
	var p domain.ValidationSucceeded
	if err := decode(event, &p); err != nil {
		return err
	}

	dep, err := h.depositions.Get(ctx, p.DepositionSRN)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}

		return err
	}

	if dep.Status == deposition.StatusPublished {
		return nil
	}

	depID, err := srn.ParseKind(dep.SRN, srn.KindDeposition)
	if err != nil {
		return err
	}

	snapshots, err := h.hookSnapshots(dep.ConventionSRN)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := h.depositions.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	gen, err := h.depositions.NextGeneration(ctx, tx, dep.SRN)
	if err != nil {
		return err
	}

	recSRN, err := srn.New(depID.Domain, srn.KindRecord, depID.Local, strconv.Itoa(gen))
	if err != nil {
		return err
	}

	err = h.depositions.Publish(ctx, tx, dep.SRN, &deposition.Record{
		SRN:           recSRN.String(),
		DepositionSRN: dep.SRN,
		ConventionSRN: dep.ConventionSRN,
		Generation:    gen,
		Document:      dep.Record,
	}, now)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Lost the race against a concurrent publish.
			return nil
		}

		return err
	}

	_, err = h.outbox.AppendNew(ctx, tx, domain.RecordPublished{
		RecordSRN:     recSRN.String(),
		DepositionSRN: dep.SRN,
		ConventionSRN: dep.ConventionSRN,
		RunSRN:        p.RunSRN,
		Hooks:         snapshots,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	h.logger.Info("record published", "record", recSRN.String(), "deposition", dep.SRN)

	return nil
}

// InsertRecordFeatures materializes the published record's hook features
// from the durable run workspaces into their feature tables.
func (h *Handlers) InsertRecordFeatures(ctx context.Context, event *domain.Event) error {
	var p domain.RecordPublished
	if err := decode(event, &p); err != nil {
		return err
	}

	runID, err := srn.ParseKind(p.RunSRN, srn.KindValidationRun)
	if err != nil {
		return err
	}

	for i := range p.Hooks {
		hook := &p.Hooks[i].Definition
		name := hook.Manifest.Name

		if len(hook.Manifest.FeatureSchema.Columns) == 0 {
			continue
		}

		ws := runner.OpenWorkspace(h.runWorkspacePath(runID.Local, name))

		rows, found, err := ws.ReadFeatures()
		if err != nil {
			return err
		}

		if !found || len(rows) == 0 {
			continue
		}

		if err := h.features.CreateTable(ctx, name, hook); err != nil {
			return err
		}

		n, err := h.features.InsertFeatures(ctx, name, p.RecordSRN, rows)
		if err != nil {
			return err
		}

		h.logger.Info("features inserted", "record", p.RecordSRN, "hook", name, "rows", n)
	}

	return nil
}

// FanOutToIndexes confirms a published record's hand-off to the index
// backends: it verifies the record row is readable and leaves an audit
// line naming the notified topics. The per-topic groups publish the
// actual notifications, so every publication stays operator-visible even
// when no broker is configured.
func (h *Handlers) FanOutToIndexes(ctx context.Context, event *domain.Event) error {
	var p domain.RecordPublished
	if err := decode(event, &p); err != nil {
		return err
	}

	if _, err := h.depositions.GetRecord(ctx, p.RecordSRN); err != nil {
		return err
	}

	h.logger.Info("record fanned out to index backends",
		"record", p.RecordSRN,
		"topics", TopicKeywordIndex+","+TopicVectorIndex,
	)

	return nil
}

// SyncSource runs a configured source container, stages its records, and
// emits one SourceRecordReady per record. Continuation state round-trips
// through source_state: the previous session.json is handed back as input
// and the new one is persisted after a successful run.
func (h *Handlers) SyncSource(ctx context.Context, event *domain.Event) error {
	var p domain.SourceSyncDue
	if err := decode(event, &p); err != nil {
		return err
	}

	def, convention, err := h.pipeline.SourceByName(p.SourceName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("sync due for unconfigured source", "source", p.SourceName)

			return nil
		}

		return err
	}

	state, err := h.sources.Get(ctx, p.SourceName)
	if err != nil {
		return err
	}

	runConfig := def.Config
	if state == nil && def.InitialRunConfig != nil {
		runConfig = def.InitialRunConfig
	}

	ws, err := runner.NewWorkspace(filepath.Join(h.dataDir, "sources", p.SourceName, event.ID.String()))
	if err != nil {
		return err
	}

	if err := ws.WriteConfig(runConfig); err != nil {
		return err
	}

	var opts runner.SourceRunOptions

	if state != nil {
		if err := ws.WriteSession(state.SessionState); err != nil {
			return err
		}

		if state.LastSyncedAt != nil {
			opts.Since = state.LastSyncedAt.Format(time.RFC3339)
		}
	}

	now := time.Now().UTC()

	output, err := h.runner.RunSource(ctx, def, ws, opts)
	if err != nil {
		if saveErr := h.sources.Save(ctx, p.SourceName, nil, syncStatusFailed, now); saveErr != nil {
			h.logger.Error("failed to record sync failure", "source", p.SourceName, "error", saveErr)
		}

		return err
	}

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, record := range output.Records {
		_, err = h.outbox.AppendNew(ctx, tx, domain.SourceRecordReady{
			SourceName: p.SourceName,
			// Sources stage record i's data files under files/<i>.
			StagedDir:     filepath.Join(ws.InFilesDir(), strconv.Itoa(i)),
			Record:        record,
			ConventionSRN: convention,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := h.sources.Save(ctx, p.SourceName, output.SessionState, syncStatusSucceeded, now); err != nil {
		return err
	}

	h.logger.Info("source synced", "source", p.SourceName, "records", len(output.Records))

	return nil
}

func (h *Handlers) hookSnapshots(conventionSRN string) ([]domain.HookSnapshot, error) {
	hooks, err := h.pipeline.HooksFor(conventionSRN)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	snapshots := make([]domain.HookSnapshot, 0, len(hooks))
	for _, hook := range hooks {
		snapshots = append(snapshots, domain.HookSnapshot{Definition: hook})
	}

	return snapshots, nil
}

func (h *Handlers) depositionFilesDir(local string) string {
	return filepath.Join(h.dataDir, "depositions", local, "files")
}

func (h *Handlers) runWorkspacePath(runLocal, hookName string) string {
	return filepath.Join(h.dataDir, "runs", runLocal, hookName)
}

// failureReason picks the first non-passed hook's message.
// runLease is how long an execution claim on a validation run stays
// exclusive: the summed hook timeout budget plus slack for image pulls
// and result persistence. Past the lease a redelivery may re-pick the run.
func runLease(hooks []domain.HookSnapshot) time.Duration {
	lease := 5 * time.Minute

	for i := range hooks {
		lease += hooks[i].Definition.Limits.Timeout(10 * time.Minute)
	}

	return lease
}

func failureReason(results []domain.HookResult) string {
	for _, r := range results {
		switch r.Status {
		case domain.HookRejected:
			return fmt.Sprintf("hook %s rejected: %s", r.HookName, r.RejectionReason)
		case domain.HookFailed:
			return fmt.Sprintf("hook %s failed: %s", r.HookName, r.ErrorMessage)
		case domain.HookPassed:
		}
	}

	return ""
}

// decode unmarshals an event's payload into its typed form, guarding
// against a worker wired to the wrong event type.
func decode[T domain.Payload](event *domain.Event, into *T) error {
	if event.Type != (*into).EventType() {
		return fmt.Errorf("%w: event type %q does not match payload %q",
			domain.ErrValidation, event.Type, (*into).EventType())
	}

	if err := json.Unmarshal(event.Payload, into); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", domain.ErrValidation, event.Type, err)
	}

	return nil
}
