package tasks

import (
	"fmt"
	"time"
)

// StatusResponse is the structured answer to a status query. Exactly one
// shape is produced per status; a failed task is data, not a query error.
type StatusResponse struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      Status     `json:"status"`
	Message     string     `json:"message"`
	Description string     `json:"description,omitempty"`
	ScriptPath  string     `json:"script_path,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Elapsed     float64    `json:"elapsed_time"`
	Output      string     `json:"output"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
}

// BuildStatusResponse renders snap at time now with the given captured output.
func BuildStatusResponse(snap Snapshot, output string, now time.Time) StatusResponse {
	elapsed := snap.Elapsed(now).Seconds()
	resp := StatusResponse{
		TaskID:      snap.ID,
		SessionID:   snap.SessionID,
		Status:      snap.Status,
		Description: snap.Description,
		ScriptPath:  snap.ScriptPath,
		StartTime:   snap.StartTime,
		Elapsed:     elapsed,
		Output:      output,
		LogPath:     snap.LogPath,
	}

	switch snap.Status {
	case StatusPending:
		resp.Message = fmt.Sprintf("Script queued (waiting for main thread): %s\nWaiting time: %.2fs",
			snap.Description, elapsed)

	case StatusRunning:
		resp.Message = fmt.Sprintf("Script executing: %s\nElapsed time: %.2fs",
			snap.Description, elapsed)

	case StatusCompleted:
		resp.EndTime = snap.EndTime
		resp.Result = snap.Result
		switch {
		case output != "":
			resp.Message = fmt.Sprintf("Script execution completed: %s\nElapsed time: %.2fs\n\n=== Script Output ===\n%s",
				snap.Description, elapsed, output)
		case snap.Result != nil:
			resp.Message = fmt.Sprintf("Script completed: %s\nElapsed time: %.2fs\nResult: %v",
				snap.Description, elapsed, snap.Result)
		default:
			resp.Message = fmt.Sprintf("Script completed: %s\nElapsed time: %.2fs",
				snap.Description, elapsed)
		}

	case StatusInterrupted:
		resp.EndTime = snap.EndTime
		resp.Message = fmt.Sprintf("Script interrupted by user: %s\nElapsed time: %.2fs",
			snap.Description, elapsed)
		if output != "" {
			resp.Message += "\n\n=== Partial Output ===\n" + output
		}

	case StatusFailed:
		resp.EndTime = snap.EndTime
		resp.Error = snap.Error
		if resp.Error == "" {
			resp.Error = "unknown error"
		}
		resp.Message = fmt.Sprintf("Script failed: %s\nElapsed time: %.2fs\nError: %s",
			snap.Description, elapsed, resp.Error)
		if output != "" {
			resp.Message += "\n\n=== Partial Output ===\n" + output
		}

	default:
		resp.Status = StatusFailed
		resp.Error = fmt.Sprintf("unknown task status %q", snap.Status)
		resp.Message = fmt.Sprintf("Script failed: %s\nError: %s", snap.Description, resp.Error)
	}

	return resp
}
