package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Supported offline export formats. Spreadsheets and PDFs are known but
// unsupported; anything else is ignored entirely.
var (
	supportedExts = map[string]struct{}{
		".csv": {}, ".tsv": {}, ".txt": {}, ".xml": {}, ".ofx": {}, ".qfx": {}, ".json": {},
	}
	knownUnsupportedExts = map[string]struct{}{
		".xlsx": {}, ".xls": {}, ".pdf": {},
	}
	holdingsNameHints = []string{"position", "holding", "openpositions", "portfolio"}
)

// ScanMetrics summarizes one directory scan for run diagnostics.
type ScanMetrics struct {
	DataDir          string `json:"data_dir"`
	FileTotalAll     int    `json:"file_total_all"`
	FileTotal        int    `json:"file_total"`
	UnsupportedTotal int    `json:"file_unsupported_total"`
	Selected         int    `json:"file_selected"`
	SkippedSeen      int    `json:"file_skipped_seen"`
}

// ScanDataDir walks dataDir, classifies supported files as transaction
// or holdings exports by filename, hashes each, and filters out files
// whose hash appears in seen. Results are sorted by path so cursor
// sequences are stable across runs.
func ScanDataDir(dataDir string, kind FileKind, seen map[string]bool) ([]FileInfo, ScanMetrics, error) {
	metrics := ScanMetrics{DataDir: dataDir}

	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		// A missing directory is not an error here; the coverage
		// evaluator decides what zero selected files means.
		return nil, metrics, nil
	}

	var paths []string
	err = filepath.Walk(dataDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		metrics.FileTotalAll++
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := knownUnsupportedExts[ext]; ok {
			metrics.UnsupportedTotal++
			return nil
		}
		if _, ok := supportedExts[ext]; !ok {
			return nil
		}
		metrics.FileTotal++
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, metrics, fmt.Errorf("scan %s failed: %w", dataDir, err)
	}
	sort.Strings(paths)

	var selected []FileInfo
	for _, p := range paths {
		k := classifyFile(p)
		if k != kind {
			continue
		}
		h, err := hashFile(p)
		if err != nil {
			return nil, metrics, fmt.Errorf("hash %s failed: %w", p, err)
		}
		if seen[h] {
			metrics.SkippedSeen++
			continue
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, metrics, fmt.Errorf("stat %s failed: %w", p, err)
		}
		selected = append(selected, FileInfo{
			Path:  p,
			Name:  filepath.Base(p),
			Hash:  h,
			Bytes: fi.Size(),
			MTime: fi.ModTime().UTC(),
			Kind:  k,
		})
	}
	metrics.Selected = len(selected)
	return selected, metrics, nil
}

func classifyFile(path string) FileKind {
	name := strings.ToLower(filepath.Base(path))
	for _, hint := range holdingsNameHints {
		if strings.Contains(name, hint) {
			return FileHoldings
		}
	}
	return FileTransactions
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of b, used for whole-payload
// idempotency guards.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
