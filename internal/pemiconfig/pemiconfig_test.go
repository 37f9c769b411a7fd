package pemiconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsNonPositiveFactors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlowletIntervalFactor = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FlowletEndFactor = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroPrintInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrintInterval = 0
	require.Error(t, cfg.Validate())
}
