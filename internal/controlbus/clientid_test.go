package controlbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybridge/gateway/internal/controlbus"
)

func TestParseClientIDValid(t *testing.T) {
	id, err := controlbus.ParseClientID("G@@@00_16_3e_ac_b5_38@@@u1")
	require.NoError(t, err)
	assert.Equal(t, "G", id.Group)
	assert.Equal(t, "00_16_3e_ac_b5_38", id.Mac)
	assert.Equal(t, "u1", id.UUID)
	assert.Equal(t, "00:16:3e:ac:b5:38", id.CanonicalMac())
}

func TestParseClientIDRejectsShape(t *testing.T) {
	_, err := controlbus.ParseClientID("onlyonepart")
	assert.Error(t, err)

	_, err = controlbus.ParseClientID("G@@@u1")
	assert.Error(t, err)
}

func TestParseClientIDRejectsBadMac(t *testing.T) {
	_, err := controlbus.ParseClientID("G@@@not-a-mac@@@u1")
	assert.Error(t, err)

	_, err = controlbus.ParseClientID("G@@@00_16_3e_ac_b5@@@u1")
	assert.Error(t, err)
}
