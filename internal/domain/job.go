package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultTimeoutSeconds is applied when a job omits its timeout or sets a non-positive one.
const DefaultTimeoutSeconds = 30

// JobID is the opaque job identifier. Producers send it either as a JSON string or a number.
type JobID string

// UnmarshalJSON accepts both string and numeric identifiers.
func (id *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("jobId must be a string or number: %w", err)
	}
	*id = JobID(n.String())
	return nil
}

func (id JobID) String() string { return string(id) }

// Job is the immutable grading request parsed from a queue message.
type Job struct {
	ID               JobID   `json:"jobId" validate:"required"`
	Image            string  `json:"image" validate:"required"`
	Entrypoint       string  `json:"entrypoint" validate:"required"`
	Timeout          float64 `json:"timeout,omitempty" validate:"omitempty,gt=0,lte=86400"`
	EnableNetworking bool    `json:"enableNetworking,omitempty"`

	// Artifact location. The S3 store reads S3Bucket/S3RootKey; the disk store keys by ID.
	S3Bucket  string `json:"s3Bucket,omitempty"`
	S3RootKey string `json:"s3RootKey,omitempty"`

	WebhookURL string `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	CSRFToken  string `json:"csrfToken,omitempty"`
}

// TimeoutSeconds returns the effective container timeout in seconds.
func (j Job) TimeoutSeconds() float64 {
	if j.Timeout <= 0 {
		return DefaultTimeoutSeconds
	}
	return j.Timeout
}

// ContainerTimeout is the effective container timeout.
func (j Job) ContainerTimeout() time.Duration {
	return time.Duration(j.TimeoutSeconds() * float64(time.Second))
}

// FormatSeconds renders a seconds value without a trailing ".0".
func FormatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// SandboxResult is the terminal outcome of one job. It is written once to the artifact store
// as results.json and optionally forwarded to the job's callback.
type SandboxResult struct {
	JobID        JobID           `json:"job_id"`
	ReceivedTime time.Time       `json:"received_time"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Succeeded    bool            `json:"succeeded"`
	TimedOut     bool            `json:"timedOut,omitempty"`
	Message      string          `json:"message,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
}

// SandboxLimits are the fixed per-deployment container resource limits. Only NetworkEnabled
// varies per job.
type SandboxLimits struct {
	MemoryBytes       int64
	MemorySwapBytes   int64
	KernelMemoryBytes int64
	DiskQuotaBytes    int64
	PidsLimit         int64
	CPUPeriod         int64
	CPUQuota          int64
	NetworkEnabled    bool
}

// DefaultSandboxLimits mirrors the production deployment: 1 GiB memory without swap headroom,
// 512 MiB kernel memory, 1 GiB disk, 90% of one CPU and 1024 processes.
func DefaultSandboxLimits() SandboxLimits {
	return SandboxLimits{
		MemoryBytes:       1 << 30,
		MemorySwapBytes:   1 << 30,
		KernelMemoryBytes: 1 << 29,
		DiskQuotaBytes:    1 << 30,
		PidsLimit:         1024,
		CPUPeriod:         100000,
		CPUQuota:          90000,
	}
}
