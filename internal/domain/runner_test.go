package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunRequestTimeouts(t *testing.T) {
	r := RunRequest{Timeout: 5 * time.Second}
	assert.Equal(t, 5*time.Second, r.ContainerTimeout())
	assert.Equal(t, 10*time.Second, r.WatchdogTimeout())

	var unset RunRequest
	assert.Equal(t, 30*time.Second, unset.ContainerTimeout())
	assert.Equal(t, time.Minute, unset.WatchdogTimeout())
}
