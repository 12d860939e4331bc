package diskmanager

import (
	"errors"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedStat(total, available uint64) StatFunc {
	return func(string) (uint64, uint64, error) {
		return total, available, nil
	}
}

func newTestManager(t *testing.T, stat StatFunc) *DiskManager {
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = time.Hour
	cfg.Stat = stat

	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestDiskManager_CheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		total     uint64
		available uint64
		write     uint64
		wantErr   bool
	}{
		{"plenty of space", 1000, 900, 100, false},
		{"write larger than available", 1000, 500, 600, true},
		{"throttled small write", 1000, 80, 5, false},
		{"throttled large write", 1000, 80, 50, true},
		{"circuit broken", 1000, 20, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := newTestManager(t, fixedStat(tt.total, tt.available))
			err := dm.CheckBeforeWrite(tt.write)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, storageerrors.ErrCodeDiskFull, storageerrors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiskManager_GetDiskUsage(t *testing.T) {
	dm := newTestManager(t, fixedStat(1000, 50))

	stats := dm.GetDiskUsage()
	assert.InDelta(t, 95.0, stats.UsagePercent, 0.001)
	assert.True(t, stats.IsCircuitBroken)
	assert.False(t, stats.IsThrottled)
	assert.Equal(t, uint64(50), stats.AvailableBytes)
}

func TestDiskManager_ForceCheckPropagatesStatErrors(t *testing.T) {
	failing := errors.New("statfs failed")
	calls := 0
	dm := newTestManager(t, func(string) (uint64, uint64, error) {
		calls++
		if calls > 1 {
			return 0, 0, failing
		}
		return 1000, 900, nil
	})

	assert.ErrorIs(t, dm.ForceCheck(), failing)
}

func TestNewDiskManager_RequiresDataDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, zap.NewNop())
	assert.Error(t, err)
}
