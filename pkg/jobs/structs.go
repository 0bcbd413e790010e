package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	Queued    Status = "QUEUED"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	TimedOut  Status = "TIMED_OUT"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == Completed || s == Failed || s == TimedOut
}

// Request is the caller-supplied description of one certificate job. The
// output directory is never part of it.
type Request struct {
	Domain         string `json:"domain"`
	CertName       string `json:"certName,omitempty"`
	WildcardDomain string `json:"wildcardDomain,omitempty"`
	IPs            string `json:"ips,omitempty"`
	CAName         string `json:"caName,omitempty"`
	CAOrg          string `json:"caOrg,omitempty"`
	CAUnit         string `json:"caUnit,omitempty"`
	KeySize        string `json:"sslSize,omitempty"`
	ValidityDays   string `json:"sslDate,omitempty"`
	Country        string `json:"country,omitempty"`
}

// Validate rejects requests the generator can never serve.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidRequest)
	}
	if r.KeySize != "" {
		if _, err := strconv.Atoi(r.KeySize); err != nil {
			return fmt.Errorf("%w: sslSize must be a number", ErrInvalidRequest)
		}
	}
	if r.ValidityDays != "" {
		if days, err := strconv.Atoi(r.ValidityDays); err != nil || days <= 0 {
			return fmt.Errorf("%w: sslDate must be a positive number of days", ErrInvalidRequest)
		}
	}
	return nil
}

type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

type Record struct {
	Id         string     `json:"id"`
	Status     Status     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Dir        string     `json:"-"`
	Files      []Artifact `json:"files,omitempty"`
	Error      string     `json:"error,omitempty"`
}
