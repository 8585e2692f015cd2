package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osa-io/osa/internal/domain"
)

// Container-side mount points and the filenames of the workspace contract.
// These are a public contract with hook and source authors.
const (
	MountIn    = "/osa/in"
	MountOut   = "/osa/out"
	MountFiles = "/osa/files"

	fileRecord   = "record.json"
	fileConfig   = "config.json"
	fileFeatures = "features.json"
	fileProgress = "progress.jsonl"
	fileRecords  = "records.jsonl"
	fileSession  = "session.json"

	dirPerm  = 0o750
	filePerm = 0o640

	// maxProgressLine bounds one progress.jsonl line; hooks are untrusted.
	maxProgressLine = 1 << 20
)

// Workspace is one container run's host-side directory pair: an input
// directory mounted read-only and an output directory mounted read-write.
// Workspaces are durable: downstream handlers read features.json from here
// after the run completes, so the runner never deletes them.
type Workspace struct {
	// Root holds the in/ and out/ subdirectories.
	Root string
}

// NewWorkspace creates the workspace directory layout under root.
func NewWorkspace(root string) (*Workspace, error) {
	w := &Workspace{Root: root}

	for _, dir := range []string{w.InDir(), w.OutDir(), w.InFilesDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir %s: %w", dir, err)
		}
	}

	return w, nil
}

// OpenWorkspace returns an existing workspace without touching the
// filesystem, for readers of completed runs.
func OpenWorkspace(root string) *Workspace {
	return &Workspace{Root: root}
}

// InDir is the host directory mounted read-only at /osa/in.
func (w *Workspace) InDir() string { return filepath.Join(w.Root, "in") }

// OutDir is the host directory mounted read-write at /osa/out.
func (w *Workspace) OutDir() string { return filepath.Join(w.Root, "out") }

// InFilesDir holds the record's associated data files under in/files.
func (w *Workspace) InFilesDir() string { return filepath.Join(w.InDir(), "files") }

// WriteRecord writes the record document to in/record.json.
func (w *Workspace) WriteRecord(doc json.RawMessage) error {
	return w.writeInput(fileRecord, doc)
}

// WriteConfig writes the per-run configuration to in/config.json. A nil
// config writes nothing; the file is optional in the contract.
func (w *Workspace) WriteConfig(cfg map[string]any) error {
	if cfg == nil {
		return nil
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config.json: %w", err)
	}

	return w.writeInput(fileConfig, raw)
}

// WriteSession hands a source its previous continuation state as
// in/session.json. A nil session writes nothing.
func (w *Workspace) WriteSession(session json.RawMessage) error {
	if session == nil {
		return nil
	}

	return w.writeInput(fileSession, session)
}

func (w *Workspace) writeInput(name string, raw []byte) error {
	path := filepath.Join(w.InDir(), name)
	if err := os.WriteFile(path, raw, filePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return nil
}

// ReadProgress parses out/progress.jsonl. Lines that are not valid JSON
// objects are skipped; hooks are untrusted and a garbled log line must not
// mask the run's real outcome.
func (w *Workspace) ReadProgress() ([]domain.ProgressEntry, error) {
	f, err := os.Open(filepath.Join(w.OutDir(), fileProgress))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open progress.jsonl: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []domain.ProgressEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProgressLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry domain.ProgressEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Status == "" {
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read progress.jsonl: %w", err)
	}

	return entries, nil
}

// ReadFeatures parses out/features.json. A single object is wrapped into a
// one-element list; a missing file reports found=false.
func (w *Workspace) ReadFeatures() (rows []map[string]any, found bool, err error) {
	raw, err := os.ReadFile(filepath.Join(w.OutDir(), fileFeatures))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to read features.json: %w", err)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, true, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, true, fmt.Errorf("%w: features.json: %w", domain.ErrValidation, err)
		}

		return rows, true, nil
	}

	var single map[string]any
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, true, fmt.Errorf("%w: features.json: %w", domain.ErrValidation, err)
	}

	return []map[string]any{single}, true, nil
}

// ReadRecords parses out/records.jsonl, one raw record document per line.
func (w *Workspace) ReadRecords() ([]json.RawMessage, error) {
	f, err := os.Open(filepath.Join(w.OutDir(), fileRecords))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open records.jsonl: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []json.RawMessage

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProgressLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !json.Valid([]byte(line)) {
			return nil, fmt.Errorf("%w: records.jsonl: invalid JSON line", domain.ErrValidation)
		}

		records = append(records, json.RawMessage(line))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records.jsonl: %w", err)
	}

	return records, nil
}

// ReadSession returns out/session.json, or nil when the source wrote none.
func (w *Workspace) ReadSession() (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(w.OutDir(), fileSession))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read session.json: %w", err)
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: session.json: invalid JSON", domain.ErrValidation)
	}

	return raw, nil
}
