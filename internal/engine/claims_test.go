package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClaimSetReportsRejectionReason(t *testing.T) {
	c := newClaimSet(1)

	claimed, atCapacity := c.tryAdd("a")
	assert.True(t, claimed)
	assert.False(t, atCapacity)

	// A second distinct id is a capacity rejection, not a duplicate.
	claimed, atCapacity = c.tryAdd("b")
	assert.False(t, claimed)
	assert.True(t, atCapacity)

	// The held id stays a duplicate even while the set is full.
	claimed, atCapacity = c.tryAdd("a")
	assert.False(t, claimed)
	assert.False(t, atCapacity)

	c.remove("a")
	claimed, atCapacity = c.tryAdd("b")
	assert.True(t, claimed)
	assert.False(t, atCapacity)
}

func TestClaimSetUnboundedNeverReportsCapacity(t *testing.T) {
	c := newClaimSet(0)
	for _, id := range []string{"a", "b", "c"} {
		claimed, atCapacity := c.tryAdd(id)
		assert.True(t, claimed)
		assert.False(t, atCapacity)
	}

	claimed, atCapacity := c.tryAdd("a")
	assert.False(t, claimed)
	assert.False(t, atCapacity)
}
