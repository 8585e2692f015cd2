package runner

import (
	"fmt"

	"github.com/osa-io/osa/internal/domain"
)

// mapHookOutcome turns a finished container run into the hook's result.
// Precedence: an explicit rejection in the progress log wins over the exit
// code, the exit code wins over an OOM kill, and only a clean run gets its
// features parsed.
func (r *Runner) mapHookOutcome(ws *Workspace, status WaitStatus, stderrTail string, result *domain.HookResult) {
	progress, err := ws.ReadProgress()
	if err != nil {
		result.Status = domain.HookFailed
		result.ErrorMessage = err.Error()

		return
	}

	result.Progress = progress

	if reason, rejected := rejectionFrom(progress); rejected {
		result.Status = domain.HookRejected
		result.RejectionReason = reason

		return
	}

	if status.ExitCode != 0 {
		result.Status = domain.HookFailed
		result.ErrorMessage = fmt.Sprintf("exited with code %d: %s", status.ExitCode, stderrTail)

		return
	}

	if status.OOMKilled {
		result.Status = domain.HookFailed
		result.ErrorMessage = "killed: memory limit exceeded"

		return
	}

	rows, _, err := ws.ReadFeatures()
	if err != nil {
		result.Status = domain.HookFailed
		result.ErrorMessage = err.Error()

		return
	}

	result.Status = domain.HookPassed
	result.Features = rows
}

// rejectionFrom reports the first rejection in the progress log. Hooks
// signal domain rejections this way so a record problem is never conflated
// with an infrastructure failure.
func rejectionFrom(progress []domain.ProgressEntry) (string, bool) {
	for _, entry := range progress {
		if entry.Status == "rejected" {
			reason := entry.Message
			if reason == "" {
				reason = "rejected by hook"
			}

			return reason, true
		}
	}

	return "", false
}

// readSourceOutput assembles the source's record stream, continuation
// state and progress log from the workspace.
func (r *Runner) readSourceOutput(ws *Workspace) (*domain.SourceOutput, error) {
	records, err := ws.ReadRecords()
	if err != nil {
		return nil, err
	}

	session, err := ws.ReadSession()
	if err != nil {
		return nil, err
	}

	progress, err := ws.ReadProgress()
	if err != nil {
		return nil, err
	}

	return &domain.SourceOutput{
		Records:      records,
		SessionState: session,
		Progress:     progress,
	}, nil
}
