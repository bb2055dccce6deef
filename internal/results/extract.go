// Package results turns a finished sandbox run into the user-facing outcome fields of a
// SandboxResult.
package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dontdude/gradex/internal/domain"
)

// MaxSize is the largest results document accepted, in bytes.
const MaxSize = 100 * 1024

// RelPath is where the grading code writes its results, relative to the working directory.
var RelPath = filepath.Join("results", "results.json")

const (
	MsgUnreadable = "Could not read grading results."
	MsgTooLarge   = "The grading results were larger than 100 KiB. " +
		"Try removing print statements from your code to reduce the output size. " +
		"If the problem persists, please contact course staff or a proctor."
	MsgUnparseable = "Could not parse the grading results."
)

// ErrNotObject is returned when the results document is valid JSON but not an object.
var ErrNotObject = errors.New("results document is not a JSON object")

// Outcome is the classification attached to a SandboxResult.
type Outcome struct {
	Succeeded bool
	Message   string
	Results   json.RawMessage
}

// TimeoutMessage is the message recorded for a job killed by its container timeout.
func TimeoutMessage(timeoutSeconds float64) string {
	return fmt.Sprintf("Grading timed out after %s seconds.", domain.FormatSeconds(timeoutSeconds))
}

// Extract reads results/results.json from workDir, but only when the run succeeded. Failed runs
// are classified from the run outcome alone.
func Extract(workDir string, run domain.RunOutcome, timeoutSeconds float64) Outcome {
	if run.TimedOut {
		return Outcome{Message: TimeoutMessage(timeoutSeconds)}
	}
	if !run.Succeeded {
		return Outcome{Message: fmt.Sprintf("Grading process exited with code %d.", run.ExitCode)}
	}

	data, err := readBounded(filepath.Join(workDir, RelPath))
	if err != nil {
		return Outcome{Message: MsgUnreadable}
	}
	if len(data) > MaxSize {
		return Outcome{Message: MsgTooLarge}
	}

	doc, err := Parse(data)
	if err != nil {
		return Outcome{Message: MsgUnparseable}
	}
	return Outcome{Succeeded: true, Results: doc}
}

// readBounded reads at most MaxSize+1 bytes so an oversized file is detected without loading it.
func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, MaxSize+1))
}

// Parse decodes a results object, sanitizes it and re-encodes it.
func Parse(data []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after results document")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return json.Marshal(Sanitize(obj))
}
