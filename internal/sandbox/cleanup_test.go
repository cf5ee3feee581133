package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/containerd/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestIgnoreNotFound(t *testing.T) {
	assert.NoError(t, ignoreNotFound(nil))
	assert.NoError(t, ignoreNotFound(errdefs.ErrNotFound))
	assert.NoError(t, ignoreNotFound(fmt.Errorf("task ataka-exploit-web: %w", errdefs.ErrNotFound)))

	busy := errors.New("container is running")
	assert.ErrorIs(t, ignoreNotFound(busy), busy)
}

func TestOrphanedExploitContainerMatchesPrefix(t *testing.T) {
	assert.True(t, hasNamePrefix([]string{"ataka-exploit-web"}, "ataka-exploit-"))
	assert.False(t, hasNamePrefix([]string{"web-ataka-exploit-"}, "ataka-exploit-"))
	assert.False(t, hasNamePrefix([]string{"postgres"}, "ataka-exploit-"))
}
