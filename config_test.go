package dw4core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("SubstitutesUnsupportedBaudRate", func(t *testing.T) {
		cfg := ApplyOptions(WithBaudRate(1234))
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultBaudRate, cfg.BaudRate)
	})

	t.Run("RejectsOutOfRangeTimezone", func(t *testing.T) {
		cfg := ApplyOptions(WithTimezoneOffset(99))
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidTimezone)
	})

	t.Run("AcceptsBoundaryTimezones", func(t *testing.T) {
		cfg := ApplyOptions(WithTimezoneOffset(-12))
		require.NoError(t, cfg.Validate())
		cfg = ApplyOptions(WithTimezoneOffset(14))
		require.NoError(t, cfg.Validate())
	})

	t.Run("RejectsDuplicateDriveBindings", func(t *testing.T) {
		cfg := ApplyOptions(
			WithDrive(0, DriveConfig{Backend: BackendFile, Path: "same.dsk"}),
			WithDrive(1, DriveConfig{Backend: BackendFile, Path: "same.dsk"}),
		)
		err := cfg.Validate()
		var dup *DuplicateDriveError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, 0, dup.SlotA)
		assert.Equal(t, 1, dup.SlotB)
	})

	t.Run("DistinctPathsAreFine", func(t *testing.T) {
		cfg := ApplyOptions(
			WithDrive(0, DriveConfig{Backend: BackendFile, Path: "a.dsk"}),
			WithDrive(1, DriveConfig{Backend: BackendFile, Path: "b.dsk"}),
		)
		require.NoError(t, cfg.Validate())
	})
}

func TestWithSerialMap_DefaultsModeToClient(t *testing.T) {
	cfg := ApplyOptions(WithSerialMap(0, SerialMapEntry{Host: "localhost", Port: 9999}))
	entry := cfg.SerialMap[0]
	assert.Equal(t, ModeClient, entry.Mode)
}
