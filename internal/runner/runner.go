package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"golang.org/x/time/rate"

	"github.com/osa-io/osa/internal/domain"
)

const (
	// defaultTimeout bounds a run whose limits carry no timeout.
	defaultTimeout = 10 * time.Minute

	// stderrTailLines is how much stderr is kept for failure diagnostics.
	stderrTailLines = 50

	// pidsLimit caps process count inside hook and source containers.
	pidsLimit = int64(256)

	// containerUser runs the payload as nobody.
	containerUser = "65534:65534"
)

type (
	// Runner executes hook and source containers against a workspace and
	// maps their outputs into domain results.
	Runner struct {
		api         ContainerAPI
		logger      *slog.Logger
		pullLimiter *rate.Limiter
	}

	// SourceRunOptions are the optional sync-window parameters passed to a
	// source container through its environment. Zero values are omitted.
	SourceRunOptions struct {
		Since  string
		Limit  int
		Offset int
	}
)

// NewRunner creates a runner over the given container API. Registry pulls
// are rate limited so a burst of cold-cache runs cannot hammer the registry.
func NewRunner(api ContainerAPI, logger *slog.Logger) *Runner {
	return &Runner{
		api:         api,
		logger:      logger.With("component", "runner"),
		pullLimiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// RunHook executes one validation hook against a prepared workspace.
// Runner-internal errors never escape as Go errors: they surface as a
// failed result so the caller applies ordinary retry policy.
func (r *Runner) RunHook(ctx context.Context, hook *domain.HookDefinition, ws *Workspace) *domain.HookResult {
	start := time.Now()
	result := &domain.HookResult{HookName: hook.Manifest.Name}

	fail := func(msg string) *domain.HookResult {
		result.Status = domain.HookFailed
		result.ErrorMessage = msg
		result.Duration = time.Since(start)

		return result
	}

	if err := hook.Validate(); err != nil {
		return fail(err.Error())
	}

	cfg, host, err := r.hookContainerConfig(hook, ws)
	if err != nil {
		return fail(err.Error())
	}

	status, stderrTail, err := r.execute(ctx, cfg, host, hook.Limits.Timeout(defaultTimeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(fmt.Sprintf("hook exceeded its %s timeout", hook.Limits.Timeout(defaultTimeout)))
		}

		return fail(err.Error())
	}

	r.mapHookOutcome(ws, status, stderrTail, result)
	result.Duration = time.Since(start)

	r.logger.Debug("hook run complete",
		"hook", hook.Manifest.Name,
		"status", result.Status,
		"exit_code", status.ExitCode,
		"duration", result.Duration)

	return result
}

// RunSource executes one source container and parses its output stream.
// Unlike hooks, source failures are returned as errors: the sync handler
// owns the retry and session-state semantics.
func (r *Runner) RunSource(ctx context.Context, src *domain.SourceDefinition, ws *Workspace, opts SourceRunOptions) (*domain.SourceOutput, error) {
	start := time.Now()

	if err := src.Validate(); err != nil {
		return nil, err
	}

	cfg, host, err := r.sourceContainerConfig(src, ws, opts)
	if err != nil {
		return nil, err
	}

	status, stderrTail, err := r.execute(ctx, cfg, host, src.Limits.Timeout(defaultTimeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("source %s exceeded its %s timeout", src.Name, src.Limits.Timeout(defaultTimeout))
		}

		return nil, err
	}

	if status.OOMKilled {
		return nil, fmt.Errorf("source %s was killed: memory limit exceeded", src.Name)
	}

	if status.ExitCode != 0 {
		return nil, fmt.Errorf("source %s exited with code %d: %s", src.Name, status.ExitCode, stderrTail)
	}

	output, err := r.readSourceOutput(ws)
	if err != nil {
		return nil, err
	}

	output.Duration = time.Since(start)

	r.logger.Debug("source run complete",
		"source", src.Name,
		"records", len(output.Records),
		"duration", output.Duration)

	return output, nil
}

// execute runs one container to completion: resolve the image, create,
// start, wait under the timeout, collect the stderr tail, and always
// force-delete the container.
func (r *Runner) execute(ctx context.Context, cfg *container.Config, host *container.HostConfig, timeout time.Duration) (WaitStatus, string, error) {
	if err := r.ensureImage(ctx, cfg.Image); err != nil {
		return WaitStatus{}, "", err
	}

	id, err := r.api.ContainerCreate(ctx, cfg, host)
	if err != nil {
		return WaitStatus{}, "", err
	}

	defer func() {
		// Removal must survive timeout and cancellation.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := r.api.ContainerRemove(cleanupCtx, id); err != nil {
			r.logger.Warn("failed to remove container", "container_id", id, "error", err)
		}
	}()

	if err := r.api.ContainerStart(ctx, id); err != nil {
		return WaitStatus{}, "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := r.api.ContainerWait(runCtx, id)
	if err != nil {
		return WaitStatus{}, "", err
	}

	tail, err := r.api.ContainerStderrTail(ctx, id, stderrTailLines)
	if err != nil {
		// The exit status still tells the story without logs.
		r.logger.Warn("failed to read container stderr", "container_id", id, "error", err)
		tail = ""
	}

	return status, tail, nil
}

// ensureImage resolves ref locally before falling back to a registry pull.
// ref is always image@digest; the bare tag is checked first because warm
// caches usually hold the tag, not the digest reference, and a tag pull
// records the digest so digest-pinned creation still resolves.
func (r *Runner) ensureImage(ctx context.Context, ref string) error {
	candidates := []string{ref}
	if tag, _, ok := strings.Cut(ref, "@"); ok {
		candidates = []string{tag, ref}
	}

	for _, candidate := range candidates {
		exists, err := r.api.ImageExists(ctx, candidate)
		if err != nil {
			return err
		}

		if exists {
			return nil
		}
	}

	if err := r.pullLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to acquire pull slot: %w", err)
	}

	r.logger.Info("pulling image", "ref", ref)

	return r.api.ImagePull(ctx, ref)
}

// hookContainerConfig hardens a hook run: no network, read-only rootfs,
// all capabilities dropped, no privilege escalation, bounded pids and
// memory, tmpfs scratch space only.
func (r *Runner) hookContainerConfig(hook *domain.HookDefinition, ws *Workspace) (*container.Config, *container.HostConfig, error) {
	resources, err := resourcesFor(hook.Limits)
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image: hook.Ref(),
		User:  containerUser,
		Env: []string{
			"OSA_IN=" + MountIn,
			"OSA_OUT=" + MountOut,
		},
	}

	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": ""},
		Resources:      resources,
		Binds: []string{
			ws.InDir() + ":" + MountIn + ":ro",
			ws.OutDir() + ":" + MountOut,
		},
	}

	return cfg, host, nil
}

// sourceContainerConfig configures a source run: network on and rootfs
// writable so the source can talk to its origin, but the same capability
// and privilege restrictions as hooks.
func (r *Runner) sourceContainerConfig(src *domain.SourceDefinition, ws *Workspace, opts SourceRunOptions) (*container.Config, *container.HostConfig, error) {
	resources, err := resourcesFor(src.Limits)
	if err != nil {
		return nil, nil, err
	}

	env := []string{
		"OSA_IN=" + MountIn,
		"OSA_OUT=" + MountOut,
		"OSA_FILES=" + MountFiles,
	}

	if opts.Since != "" {
		env = append(env, "OSA_SINCE="+opts.Since)
	}

	if opts.Limit > 0 {
		env = append(env, "OSA_LIMIT="+strconv.Itoa(opts.Limit))
	}

	if opts.Offset > 0 {
		env = append(env, "OSA_OFFSET="+strconv.Itoa(opts.Offset))
	}

	cfg := &container.Config{
		Image: src.Ref(),
		User:  containerUser,
		Env:   env,
	}

	host := &container.HostConfig{
		CapDrop:     strslice.StrSlice{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources:   resources,
		Binds: []string{
			ws.InDir() + ":" + MountIn + ":ro",
			ws.OutDir() + ":" + MountOut,
			ws.InFilesDir() + ":" + MountFiles,
		},
	}

	return cfg, host, nil
}

func resourcesFor(limits domain.Limits) (container.Resources, error) {
	memory, err := ParseMemory(limits.Memory)
	if err != nil {
		return container.Resources{}, err
	}

	pids := pidsLimit

	return container.Resources{
		Memory:    memory,
		NanoCPUs:  NanoCPUs(limits.CPU),
		PidsLimit: &pids,
	}, nil
}
