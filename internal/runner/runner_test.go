package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa-io/osa/internal/domain"
)

// fakeContainerAPI simulates one container run. Output files are placed in
// the workspace by the test; the fake only supplies exit status and logs.
type fakeContainerAPI struct {
	localImages map[string]bool
	pulled      []string
	created     []createdContainer
	started     []string
	removed     []string

	waitStatus WaitStatus
	stderr     string

	createErr error
	startErr  error
	waitErr   error
}

type createdContainer struct {
	cfg  *container.Config
	host *container.HostConfig
}

func (f *fakeContainerAPI) ImageExists(_ context.Context, ref string) (bool, error) {
	return f.localImages[ref], nil
}

func (f *fakeContainerAPI) ImagePull(_ context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)

	return nil
}

func (f *fakeContainerAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}

	f.created = append(f.created, createdContainer{cfg: cfg, host: host})

	return "c1", nil
}

func (f *fakeContainerAPI) ContainerStart(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}

	f.started = append(f.started, id)

	return nil
}

func (f *fakeContainerAPI) ContainerWait(ctx context.Context, _ string) (WaitStatus, error) {
	if f.waitErr != nil {
		return WaitStatus{}, f.waitErr
	}

	if err := ctx.Err(); err != nil {
		return WaitStatus{}, err
	}

	return f.waitStatus, nil
}

func (f *fakeContainerAPI) ContainerStderrTail(_ context.Context, _ string, _ int) (string, error) {
	return f.stderr, nil
}

func (f *fakeContainerAPI) ContainerRemove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)

	return nil
}

func newFakeAPI() *fakeContainerAPI {
	return &fakeContainerAPI{localImages: map[string]bool{}}
}

func newTestRunner(api ContainerAPI) *Runner {
	return NewRunner(api, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testHook() *domain.HookDefinition {
	return &domain.HookDefinition{
		Image:  "registry.osa.io/hooks/pocket-detect:1.2",
		Digest: "sha256:ab12cd34",
		Limits: domain.Limits{Memory: "512m", CPU: 0.5},
		Manifest: domain.HookManifest{
			Name:        "pocket_detect",
			Cardinality: domain.CardinalityMany,
		},
	}
}

func testSource() *domain.SourceDefinition {
	return &domain.SourceDefinition{
		Name:   "pdb_ingest",
		Image:  "registry.osa.io/sources/pdb:2.0",
		Digest: "sha256:ef56ab78",
	}
}

func TestRunHook_Passed(t *testing.T) {
	api := newFakeAPI()
	api.localImages["registry.osa.io/hooks/pocket-detect:1.2"] = true
	ws := newTestWorkspace(t)
	writeOutput(t, ws, "features.json", `[{"pocket_count":3}]`)

	result := newTestRunner(api).RunHook(context.Background(), testHook(), ws)

	assert.Equal(t, domain.HookPassed, result.Status)
	require.Len(t, result.Features, 1)
	assert.Empty(t, api.pulled)
	assert.Equal(t, []string{"c1"}, api.removed)
}

func TestRunHook_RejectedByProgress(t *testing.T) {
	api := newFakeAPI()
	ws := newTestWorkspace(t)
	writeOutput(t, ws, "progress.jsonl", `{"status":"rejected","message":"missing coordinates"}`)

	// A rejection wins even over a non-zero exit.
	api.waitStatus = WaitStatus{ExitCode: 1}

	result := newTestRunner(api).RunHook(context.Background(), testHook(), ws)

	assert.Equal(t, domain.HookRejected, result.Status)
	assert.Equal(t, "missing coordinates", result.RejectionReason)
	require.Len(t, result.Progress, 1)
}

func TestRunHook_NonZeroExit(t *testing.T) {
	api := newFakeAPI()
	api.waitStatus = WaitStatus{ExitCode: 2}
	api.stderr = "traceback: boom"

	result := newTestRunner(api).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, domain.HookFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "code 2")
	assert.Contains(t, result.ErrorMessage, "traceback: boom")
}

func TestRunHook_OOMKilled(t *testing.T) {
	api := newFakeAPI()
	api.waitStatus = WaitStatus{ExitCode: 137, OOMKilled: true}

	result := newTestRunner(api).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, domain.HookFailed, result.Status)
}

func TestRunHook_MissingFeaturesIsPassed(t *testing.T) {
	result := newTestRunner(newFakeAPI()).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, domain.HookPassed, result.Status)
	assert.Empty(t, result.Features)
}

func TestRunHook_InternalErrorBecomesFailedResult(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("docker daemon unreachable")

	result := newTestRunner(api).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, domain.HookFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "unreachable")
}

func TestRunHook_RemovesContainerOnWaitError(t *testing.T) {
	api := newFakeAPI()
	api.waitErr = errors.New("wait interrupted")

	result := newTestRunner(api).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, domain.HookFailed, result.Status)
	assert.Equal(t, []string{"c1"}, api.removed)
}

func TestRunHook_Hardening(t *testing.T) {
	api := newFakeAPI()
	ws := newTestWorkspace(t)

	newTestRunner(api).RunHook(context.Background(), testHook(), ws)

	require.Len(t, api.created, 1)
	cfg, host := api.created[0].cfg, api.created[0].host

	assert.Equal(t, "registry.osa.io/hooks/pocket-detect:1.2@sha256:ab12cd34", cfg.Image)
	assert.Contains(t, cfg.Env, "OSA_IN=/osa/in")
	assert.Contains(t, cfg.Env, "OSA_OUT=/osa/out")

	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.True(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Equal(t, []string{"no-new-privileges"}, host.SecurityOpt)
	assert.Contains(t, host.Tmpfs, "/tmp")
	require.NotNil(t, host.Resources.PidsLimit)
	assert.Equal(t, int64(256), *host.Resources.PidsLimit)
	assert.Equal(t, int64(512*1<<20), host.Resources.Memory)
	assert.Equal(t, int64(500_000_000), host.Resources.NanoCPUs)
	assert.Contains(t, host.Binds, ws.InDir()+":/osa/in:ro")
	assert.Contains(t, host.Binds, ws.OutDir()+":/osa/out")
}

func TestRunHook_PullsWhenImageMissing(t *testing.T) {
	api := newFakeAPI()

	newTestRunner(api).RunHook(context.Background(), testHook(), newTestWorkspace(t))

	assert.Equal(t, []string{"registry.osa.io/hooks/pocket-detect:1.2@sha256:ab12cd34"}, api.pulled)
}

func TestRunSource_ParsesOutput(t *testing.T) {
	api := newFakeAPI()
	ws := newTestWorkspace(t)
	writeOutput(t, ws, "records.jsonl", "{\"id\":\"r1\"}\n{\"id\":\"r2\"}\n")
	writeOutput(t, ws, "session.json", `{"cursor":"2026-02-01"}`)

	output, err := newTestRunner(api).RunSource(context.Background(), testSource(), ws, SourceRunOptions{
		Since: "2026-01-01", Limit: 100,
	})
	require.NoError(t, err)

	require.Len(t, output.Records, 2)
	assert.JSONEq(t, `{"cursor":"2026-02-01"}`, string(output.SessionState))

	require.Len(t, api.created, 1)
	cfg, host := api.created[0].cfg, api.created[0].host
	assert.Contains(t, cfg.Env, "OSA_FILES=/osa/files")
	assert.Contains(t, cfg.Env, "OSA_SINCE=2026-01-01")
	assert.Contains(t, cfg.Env, "OSA_LIMIT=100")
	assert.NotContains(t, cfg.Env, "OSA_OFFSET=0")

	// Sources keep network and a writable rootfs but stay unprivileged.
	assert.NotEqual(t, container.NetworkMode("none"), host.NetworkMode)
	assert.False(t, host.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Contains(t, host.Binds, ws.InFilesDir()+":/osa/files")
}

func TestRunSource_NonZeroExitIsError(t *testing.T) {
	api := newFakeAPI()
	api.waitStatus = WaitStatus{ExitCode: 3}
	api.stderr = "auth expired"

	_, err := newTestRunner(api).RunSource(context.Background(), testSource(), newTestWorkspace(t), SourceRunOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "auth expired")
	assert.Equal(t, []string{"c1"}, api.removed)
}
