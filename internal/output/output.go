// Package output writes command results to the automation output
// channel: one key=value line per scalar, plus the full result as a
// JSON blob. The format follows the GITHUB_OUTPUT file convention so
// downstream workflow steps can consume every field directly.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// Result collects the fields of one command invocation. Field order
// is preserved in the emitted output.
type Result struct {
	Command      string
	InvocationID string

	keys    []string
	values  map[string]string
	payload any
}

func NewResult(command string) *Result {
	return &Result{
		Command:      command,
		InvocationID: uuid.NewString(),
		values:       map[string]string{},
	}
}

// Set records one scalar output field. Setting a key twice keeps its
// original position and overwrites the value.
func (r *Result) Set(key string, value any) *Result {
	if _, seen := r.values[key]; !seen {
		r.keys = append(r.keys, key)
	}
	r.values[key] = fmt.Sprintf("%v", value)
	return r
}

// SetPayload attaches the structured result emitted as the JSON blob.
func (r *Result) SetPayload(v any) *Result {
	r.payload = v
	return r
}

// Writer emits results to the automation channel.
type Writer struct {
	dst io.Writer
}

func New(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// OpenFile appends to the automation output file, the path usually
// coming from the GITHUB_OUTPUT variable in the cmd layer.
func OpenFile(path string) (*Writer, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output file: %w", err)
	}
	return New(f), f, nil
}

// Emit writes the scalar lines followed by the JSON blob. The blob
// uses the multi-line delimiter form so embedded newlines survive.
func (w *Writer) Emit(r *Result) error {
	lines := fmt.Sprintf("invocation_id=%s\ncommand=%s\n", r.InvocationID, r.Command)
	for _, key := range r.keys {
		lines += fmt.Sprintf("%s=%s\n", key, r.values[key])
	}
	if _, err := io.WriteString(w.dst, lines); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if r.payload == nil {
		return nil
	}
	blob, err := json.Marshal(r.payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	delim := "RESULT_" + r.InvocationID
	_, err = fmt.Fprintf(w.dst, "result<<%s\n%s\n%s\n", delim, blob, delim)
	if err != nil {
		return fmt.Errorf("write result payload: %w", err)
	}
	return nil
}
