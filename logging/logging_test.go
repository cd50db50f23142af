package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()

	log, err := New(c)
	require.NoError(t, err)
	log.Named("Test").Infof("%s: logger ready", "[test]")
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Config{Level: "loud", Format: FormatConsole}).Validate())
	assert.Error(t, (&Config{Level: "info", Format: "xml"}).Validate())
	assert.NoError(t, (&Config{Level: "debug", Format: FormatJSON}).Validate())
}
