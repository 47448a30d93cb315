package database

import (
	"testing"

	"github.com/aipilotbyjd/taskengine/internal/platform/config"
	"github.com/stretchr/testify/assert"
)

func TestNewReturnsErrorOnUnreachableHost(t *testing.T) {
	_, err := New(config.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1, // nothing listens here
		Database: "taskengine_test",
	})
	assert.Error(t, err)
}
