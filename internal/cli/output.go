package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/server/runner/syncer"
	"github.com/hrygo/crmsync/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Runtime failure (store unreadable, server crashed, etc.)
	ExitCommandError = 2 // Command error (bad flags, invalid config, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data as a JSON envelope, or through text in text mode.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	return text(f.Writer)
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// StatsView is the payload of the stats command.
type StatsView struct {
	Sync    *syncer.Stats    `json:"sync"`
	Metrics map[string]int64 `json:"metrics"`
}

// newStatsView sums persisted hourly buckets per event name.
func newStatsView(stats *syncer.Stats, buckets []*metrics.Snapshot) StatsView {
	totals := make(map[string]int64)
	for _, bucket := range buckets {
		totals[bucket.Name] += bucket.Count
	}
	return StatsView{Sync: stats, Metrics: totals}
}

func renderStats(w io.Writer, view StatsView) error {
	onoff := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	fmt.Fprintln(w, "Sync")
	fmt.Fprintf(w, "  %-20s%s\n", "online", onoff(view.Sync.Online))
	fmt.Fprintf(w, "  %-20s%d\n", "queue depth", view.Sync.QueueDepth)
	fmt.Fprintf(w, "  %-20s%d\n", "failed", view.Sync.FailedDepth)
	if last := view.Sync.LastPass; last != nil {
		fmt.Fprintf(w, "  %-20s%s\n", "last pass", last.PassID)
	}

	fmt.Fprintln(w, "Metrics")
	if len(view.Metrics) == 0 {
		_, err := fmt.Fprintln(w, "  (none)")
		return err
	}
	names := make([]string, 0, len(view.Metrics))
	for name := range view.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %-20s%d\n", name, view.Metrics[name]); err != nil {
			return err
		}
	}
	return nil
}

// renderOperations prints queued or failed operations as a table. Payloads are never shown.
func renderOperations(w io.Writer, label string, ops []*store.PendingOperation) error {
	if len(ops) == 0 {
		_, err := fmt.Fprintf(w, "no %s operations\n", label)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tKIND\tRESOURCE\tRECORD\tRETRIES\tLAST ERROR")
	for _, op := range ops {
		record := op.RecordID
		if record == "" {
			record = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.TenantID, op.Kind, op.Resource, record, op.RetryCount, op.LastError)
	}
	return tw.Flush()
}
