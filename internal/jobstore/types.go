package jobstore

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Job is the durable record of one dispatched task, keyed by its correlation
// id. The dispatcher only ever writes these records; it never reads them back
// to make scheduling decisions.
type Job struct {
	ID          string
	Task        string
	Payload     json.RawMessage
	Status      Status
	GUID        string
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

var ErrJobNotFound = errors.New("job not found")
