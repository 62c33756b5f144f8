package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(ElectionPassive, ElectionActive))
	assert.True(t, ValidTransition(ElectionPassive, ElectionConfirmed))
	assert.True(t, ValidTransition(ElectionActive, ElectionExpiredUnconfirmed))
	assert.True(t, ValidTransition(ElectionConfirmed, ElectionExpiredConfirmed))

	assert.False(t, ValidTransition(ElectionActive, ElectionPassive))
	assert.False(t, ValidTransition(ElectionConfirmed, ElectionActive))
	assert.False(t, ValidTransition(ElectionConfirmed, ElectionExpiredUnconfirmed))
	assert.False(t, ValidTransition(ElectionExpiredConfirmed, ElectionConfirmed))
	assert.False(t, ValidTransition(ElectionExpiredUnconfirmed, ElectionActive))
}
