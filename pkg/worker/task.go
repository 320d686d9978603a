package worker

import (
	"encoding/json"
	"strings"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
	"github.com/exploopio/surface/pkg/profile"
)

// Event statuses published on the results channel.
const (
	StatusProgress  = "PROGRESS"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Task is a scan job received on the tasks channel.
type Task struct {
	ScanID  string       `json:"scanId"`
	Target  string       `json:"target"`
	Profile string       `json:"profile,omitempty"`
	Options core.Options `json:"options,omitempty"`
}

// DecodeTask parses and validates a task payload. The profile defaults to
// STANDARD.
func DecodeTask(payload []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return Task{}, errors.E(errors.KindInvalidInput, "worker.DecodeTask", "malformed task", err)
	}
	t.ScanID = strings.TrimSpace(t.ScanID)
	t.Target = strings.TrimSpace(t.Target)
	if t.ScanID == "" || t.Target == "" {
		return Task{}, errors.E(errors.KindInvalidInput, "worker.DecodeTask", "missing scanId or target")
	}
	if strings.TrimSpace(t.Profile) == "" {
		t.Profile = profile.Default
	}
	if t.Options == nil {
		t.Options = core.Options{}
	}
	return t, nil
}

// Event is a message published on the results channel.
type Event struct {
	ScanID string `json:"scanId"`
	Status string `json:"status"`

	// PROGRESS
	Progress      *int   `json:"progress,omitempty"`
	Message       string `json:"message,omitempty"`
	CurrentModule string `json:"currentModule,omitempty"`

	// COMPLETED
	Assets   []core.Asset     `json:"assets,omitempty"`
	Findings []core.Finding   `json:"findings,omitempty"`
	Summary  *core.Summary    `json:"summary,omitempty"`
	Result   *core.ScanReport `json:"result,omitempty"`

	// FAILED
	Error string `json:"error,omitempty"`
}

// ProgressEvent reports scan progress. module is empty for scan level
// events and is then left out of the payload.
func ProgressEvent(scanID string, percent int, module, message string) Event {
	return Event{
		ScanID:        scanID,
		Status:        StatusProgress,
		Progress:      &percent,
		Message:       message,
		CurrentModule: module,
	}
}

// CompletedEvent carries a finished scan report.
func CompletedEvent(scanID string, report *core.ScanReport) Event {
	summary := report.Summary
	return Event{
		ScanID:   scanID,
		Status:   StatusCompleted,
		Assets:   report.Assets,
		Findings: report.Findings,
		Summary:  &summary,
		Result:   report,
	}
}

// FailedEvent reports a scan that could not finish.
func FailedEvent(scanID, reason string) Event {
	return Event{ScanID: scanID, Status: StatusFailed, Error: reason}
}
