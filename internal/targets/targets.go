// Package targets resolves the identifiers an ingestion cycle should cover.
package targets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/rpattn/pricetrail/internal/domain"
)

// ErrNoValidTargets is returned when identifiers were supplied but none of
// them is well formed. Callers must not fall back to discovery in that case.
var ErrNoValidTargets = errors.New("no valid target identifiers")

// Resolve returns the identifiers to ingest. An explicit list wins over the
// file at path. Identifiers are normalized, de-duplicated in order and
// invalid ones are dropped with a warning. A missing file, or one holding
// only blank lines, yields nil, which means the source should discover
// products on its own. ErrNoValidTargets is returned when entries were
// supplied and every one of them was rejected.
func Resolve(explicit []string, path string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw := explicit
	origin := "config"
	if len(raw) == 0 && path != "" {
		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		raw = lines
		origin = path
	}

	if len(raw) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	supplied := 0
	for _, value := range raw {
		id := domain.NormalizeIdentifier(value)
		if id == "" {
			continue
		}
		supplied++
		if !domain.ValidIdentifier(id) {
			logger.Warn("ignoring malformed identifier", "identifier", value, "origin", origin)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if supplied == 0 {
		return nil, nil
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoValidTargets, origin)
	}
	return ids, nil
}

func readLines(path string) ([]string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan targets file: %w", err)
	}
	return lines, nil
}
