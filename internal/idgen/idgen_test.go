package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
	assert.NotEqual(t, New(), New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+32)
}

func TestRunID_Version7(t *testing.T) {
	id := RunID()
	require.True(t, strings.HasPrefix(id, "run_"))
	u, err := uuid.Parse(strings.TrimPrefix(id, "run_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}
