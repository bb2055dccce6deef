package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/go-playground/validator/v10"
)

// bodyField is the stream entry field holding the JSON job body.
const bodyField = "job"

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// DecodeJob parses and validates a raw message body. Every failure wraps domain.ErrInvalidMessage.
func DecodeJob(body []byte) (domain.Job, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return domain.Job{}, fmt.Errorf("%w: body is not a JSON object", domain.ErrInvalidMessage)
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if err := validatorInstance().Struct(job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	return job, nil
}

// EncodeJob is the inverse of DecodeJob, used by publishers.
func EncodeJob(job domain.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}
