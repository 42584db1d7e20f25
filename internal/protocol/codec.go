package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// The dispatcher and its worker processes speak newline-delimited JSON over
// the worker's stdin (tasks) and stdout (completions). One value per line,
// FIFO, no framing beyond the newline.

// EncodeTask serializes a Task as one JSON line on w.
func EncodeTask(w io.Writer, t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	if t.UUID == "" {
		return fmt.Errorf("task missing required field: uuid")
	}
	if err := json.NewEncoder(w).Encode(t); err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return nil
}

// EncodeCompletion serializes a Completion as one JSON line on w.
func EncodeCompletion(w io.Writer, c *Completion) error {
	if c == nil || c.UUID == "" {
		return fmt.Errorf("completion missing required field: uuid")
	}
	if err := json.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}
	return nil
}

// TaskReader decodes a stream of Task lines.
type TaskReader struct {
	dec *json.Decoder
}

func NewTaskReader(r io.Reader) *TaskReader {
	return &TaskReader{dec: json.NewDecoder(r)}
}

// Next returns the next task on the stream, or io.EOF when the stream ends.
func (tr *TaskReader) Next() (*Task, error) {
	var t Task
	if err := tr.dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if t.UUID == "" {
		return nil, fmt.Errorf("task missing required field: uuid")
	}
	return &t, nil
}

// CompletionReader decodes a stream of Completion lines.
type CompletionReader struct {
	dec *json.Decoder
}

func NewCompletionReader(r io.Reader) *CompletionReader {
	return &CompletionReader{dec: json.NewDecoder(r)}
}

// Next returns the next completion on the stream, or io.EOF when the stream
// ends.
func (cr *CompletionReader) Next() (*Completion, error) {
	var c Completion
	if err := cr.dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	if c.UUID == "" {
		return nil, fmt.Errorf("completion missing required field: uuid")
	}
	return &c, nil
}
