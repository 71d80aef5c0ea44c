// Package audit appends pipeline runs to JSONL files and summarizes the
// recorded reliability metrics.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// Audit file names inside the recorder directory.
const (
	RunsFile           = "agent_runs.jsonl"
	MetricsFile        = "reliability_metrics.jsonl"
	ToolTraceFile      = "tool_trace.jsonl"
	WorkflowEventsFile = "workflow_events.jsonl"
	BaselineFile       = "baseline_runs.jsonl"
)

var (
	// ErrDuplicateRun is returned when a run id was already recorded.
	ErrDuplicateRun = errors.New("run already recorded")

	// ErrEmptyRunID is returned for records without a run id.
	ErrEmptyRunID = errors.New("run id is required")
)

type toolTraceLine struct {
	RunID      string              `json:"run_id"`
	IncidentID string              `json:"incident_id"`
	TaskType   string              `json:"task_type"`
	Tools      []incident.ToolCall `json:"tools"`
}

type workflowEventLine struct {
	RunID      string                   `json:"run_id"`
	IncidentID string                   `json:"incident_id"`
	TaskType   string                   `json:"task_type"`
	Decision   incident.Decision        `json:"decision"`
	Workflow   incident.WorkflowOutcome `json:"workflow"`
}

// Recorder appends one line per run to each audit file. Each run id is
// written at most once, including across restarts.
type Recorder struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// Open creates dir if needed and loads the run ids already recorded there.
func Open(dir string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	r := &Recorder{dir: dir, logger: logger, seen: make(map[string]struct{})}
	for _, name := range []string{RunsFile, BaselineFile} {
		if err := r.loadRunIDs(filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Dir returns the audit directory.
func (r *Recorder) Dir() string { return r.dir }

func (r *Recorder) loadRunIDs(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.RunID == "" {
			continue
		}
		r.seen[line.RunID] = struct{}{}
	}
	return scanner.Err()
}

// RecordRun appends rec and its metrics row.
func (r *Recorder) RecordRun(_ context.Context, rec incident.RunRecord, row incident.MetricsRow) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[rec.RunID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	}

	lines := []struct {
		file string
		v    any
	}{
		{RunsFile, rec},
		{MetricsFile, row},
		{ToolTraceFile, toolTraceLine{rec.RunID, rec.IncidentID, rec.TaskType, rec.ToolTrace}},
		{WorkflowEventsFile, workflowEventLine{rec.RunID, rec.IncidentID, rec.TaskType, rec.Gate.Decision, rec.Workflow}},
	}
	encoded := make([][]byte, len(lines))
	for i, l := range lines {
		data, err := json.Marshal(l.v)
		if err != nil {
			return fmt.Errorf("encoding %s line: %w", l.file, err)
		}
		encoded[i] = data
	}

	// The id is recorded as soon as the runs line is on disk, matching what
	// Open reloads.
	for i, l := range lines {
		if err := r.appendLine(l.file, encoded[i]); err != nil {
			return err
		}
		if l.file == RunsFile {
			r.seen[rec.RunID] = struct{}{}
		}
	}
	r.logger.Debug("run recorded", zap.String("run_id", rec.RunID), zap.String("incident_id", rec.IncidentID))
	return nil
}

// RecordBaseline appends a planner-only run.
func (r *Recorder) RecordBaseline(_ context.Context, rec incident.BaselineRecord) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[rec.RunID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	}
	if err := r.append(BaselineFile, rec); err != nil {
		return err
	}
	r.seen[rec.RunID] = struct{}{}
	return nil
}

// append writes v as one line. Callers hold r.mu.
func (r *Recorder) append(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s line: %w", name, err)
	}
	return r.appendLine(name, data)
}

// appendLine writes data plus a newline and syncs the file.
func (r *Recorder) appendLine(name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", name, err)
	}
	return f.Close()
}
