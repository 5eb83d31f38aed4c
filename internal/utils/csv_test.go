package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoAutoTrader/internal/domain"
)

func TestKlineCSVRoundTrip(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	klines := []*domain.Kline{
		{
			OpenTime: base, CloseTime: base.Add(time.Hour),
			Symbol: "ETHUSDT", Interval: "1h",
			Open: 2500.5, High: 2520, Low: 2490.25, Close: 2510, Volume: 1234.5,
		},
		{
			OpenTime: base.Add(time.Hour), CloseTime: base.Add(2 * time.Hour),
			Symbol: "ETHUSDT", Interval: "1h",
			Open: 2510, High: 2530, Low: 2505, Close: 2525, Volume: 987,
		},
	}

	// The writer must create missing parent directories.
	path := filepath.Join(t.TempDir(), "nested", "ETHUSDT_1h.csv")
	require.NoError(t, WriteKlinesToCSV(klines, path))

	got, err := ReadKlinesFromCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.Equal(t, "1h", got[0].Interval)
	assert.True(t, got[0].OpenTime.Equal(base))
	assert.InDelta(t, 2500.5, got[0].Open, 1e-9)
	assert.InDelta(t, 2490.25, got[0].Low, 1e-9)
	assert.InDelta(t, 987.0, got[1].Volume, 1e-9)
	assert.True(t, got[1].IsFinal)
}

func TestReadKlinesFromCSVRejectsBadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	content := "open_time,close_time,symbol,interval,open,high,low,close,volume\n" +
		"2026-05-01T00:00:00Z,2026-05-01T01:00:00Z,ETHUSDT,1h,notanumber,1,1,1,1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := ReadKlinesFromCSV(path)
	require.Error(t, err)
}

func TestReadKlinesFromCSVMissingFile(t *testing.T) {
	_, err := ReadKlinesFromCSV(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
}
