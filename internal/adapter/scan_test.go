package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScanDataDirSelectsSupported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "trades_2024.csv", "date,amount\n2024-01-02,-100\n")
	writeFile(t, dir, "statement.qfx", "OFXHEADER:100\n")
	writeFile(t, dir, "report.pdf", "%PDF")
	writeFile(t, dir, "notes.docx", "ignored")
	writeFile(t, dir, "positions_2024.csv", "symbol,qty\nVTI,10\n")

	files, metrics, err := ScanDataDir(dir, FileTransactions, nil)
	require.NoError(t, err)

	require.Len(t, files, 2, "should select 2 transaction files")
	// Paths sort lexically so cursor sequences are stable.
	assert.Equal(t, "statement.qfx", files[0].Name)
	assert.Equal(t, "trades_2024.csv", files[1].Name)

	assert.Equal(t, 5, metrics.FileTotalAll)
	assert.Equal(t, 1, metrics.UnsupportedTotal, "pdf is known but unsupported")
	assert.Equal(t, 3, metrics.FileTotal, "supported files across both kinds")

	for _, f := range files {
		assert.NotEmpty(t, f.Hash)
		assert.NotZero(t, f.Bytes)
		assert.Equal(t, FileTransactions, f.Kind)
	}
}

func TestScanDataDirHoldingsByNameHint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "OpenPositions.csv", "symbol,qty\n")
	writeFile(t, dir, "Portfolio-Holdings.json", "{}")
	writeFile(t, dir, "trades.csv", "date\n")

	files, _, err := ScanDataDir(dir, FileHoldings, nil)
	require.NoError(t, err)

	require.Len(t, files, 2, "should classify 2 files as holdings by name")
	for _, f := range files {
		assert.Equal(t, FileHoldings, f.Kind, f.Name)
	}
}

func TestScanDataDirSkipsSeenHashes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "already processed\n")
	writeFile(t, dir, "b.csv", "new content\n")

	first, _, err := ScanDataDir(dir, FileTransactions, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)

	seen := map[string]bool{first[0].Hash: true}
	second, metrics, err := ScanDataDir(dir, FileTransactions, seen)
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, "b.csv", second[0].Name)
	assert.Equal(t, 1, metrics.SkippedSeen)
	assert.Equal(t, 1, metrics.Selected)
}

func TestScanDataDirMissingDir(t *testing.T) {
	files, metrics, err := ScanDataDir(filepath.Join(t.TempDir(), "nope"), FileTransactions, nil)
	require.NoError(t, err, "a missing directory is not an error")
	assert.Nil(t, files)
	assert.Zero(t, metrics.FileTotalAll)
}

func TestHashBytesStable(t *testing.T) {
	a := HashBytes([]byte("payload"))
	assert.Equal(t, a, HashBytes([]byte("payload")))
	assert.NotEqual(t, a, HashBytes([]byte("payload2")))
	assert.Len(t, a, 64, "hex sha-256")
}
