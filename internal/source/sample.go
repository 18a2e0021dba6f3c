package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/rpattn/pricetrail/internal/config"
	"github.com/rpattn/pricetrail/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// SampleSource serves records from a fixed local dataset. It never touches
// the network; a missing dataset yields no records.
type SampleSource struct {
	path     string
	logger   *slog.Logger
	failures FailureRecorder
}

// NewSampleSource creates a source over the dataset at cfg.Path.
func NewSampleSource(cfg config.SampleConfig, logger *slog.Logger, failures FailureRecorder) *SampleSource {
	return &SampleSource{
		path:     cfg.Path,
		logger:   logger.With("source", "sample"),
		failures: failures,
	}
}

func (s *SampleSource) Name() string { return "sample" }

// Fetch loads the dataset and keeps the requested identifiers. Without
// identifiers, a search phrase filters by case-insensitive title match.
func (s *SampleSource) Fetch(ctx context.Context, req Request) ([]domain.IngestRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sample dataset not found", "path", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sample dataset: %w", err)
	}
	payload = bytes.TrimPrefix(payload, byteOrderMark)

	rows, err := parseSample(s.path, payload)
	if err != nil {
		return nil, err
	}

	wanted := identifierSet(req.Identifiers)
	phrase := strings.ToLower(strings.TrimSpace(req.SearchPhrase))

	records := make([]domain.IngestRecord, 0, len(rows))
	for idx, row := range rows {
		rec := row.record()
		if wanted != nil {
			if _, ok := wanted[rec.ASIN]; !ok {
				continue
			}
		} else if phrase != "" && !strings.Contains(strings.ToLower(rec.Title), phrase) {
			continue
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping invalid sample row", "row", idx+1, "error", err)
			s.failures.SourceError(s.Name(), "invalid_record")
			continue
		}
		records = append(records, rec)
	}

	s.logger.Debug("sample dataset loaded", "path", s.path, "rows", len(rows), "matched", len(records))
	return records, nil
}

// sampleRow is the on-disk shape shared by every dataset format.
type sampleRow struct {
	ASIN         string     `json:"asin" yaml:"asin"`
	Title        string     `json:"title" yaml:"title"`
	Brand        string     `json:"brand" yaml:"brand"`
	Category     string     `json:"category" yaml:"category"`
	ImageURL     string     `json:"image_url" yaml:"image_url"`
	Price        priceField `json:"price" yaml:"price"`
	Currency     string     `json:"currency" yaml:"currency"`
	Availability string     `json:"availability" yaml:"availability"`
	Seller       string     `json:"seller" yaml:"seller"`
}

func (r sampleRow) record() domain.IngestRecord {
	return domain.IngestRecord{
		ASIN:         domain.NormalizeIdentifier(r.ASIN),
		Title:        strings.TrimSpace(r.Title),
		Brand:        domain.OptionalString(r.Brand),
		Category:     domain.OptionalString(r.Category),
		ImageURL:     domain.OptionalString(r.ImageURL),
		Price:        domain.ParsePrice(string(r.Price)),
		Currency:     r.Currency,
		Availability: domain.OptionalString(r.Availability),
		Seller:       domain.OptionalString(r.Seller),
	}
}

// priceField accepts a price written as a number, a string or null.
type priceField string

func (p *priceField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = priceField(s)
		return nil
	}
	*p = priceField(trimmed)
	return nil
}

func (p *priceField) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		*p = ""
		return nil
	}
	*p = priceField(node.Value)
	return nil
}

func parseSample(path string, payload []byte) ([]sampleRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var rows []sampleRow
		if err := json.Unmarshal(payload, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode json dataset: %w", err)
		}
		return rows, nil
	case ".yaml", ".yml":
		var rows []sampleRow
		if err := yaml.Unmarshal(payload, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode yaml dataset: %w", err)
		}
		return rows, nil
	case ".csv":
		reader := csv.NewReader(bytes.NewReader(payload))
		reader.TrimLeadingSpace = true
		reader.FieldsPerRecord = -1
		table, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read csv dataset: %w", err)
		}
		return rowsFromTable(table)
	case ".xlsx":
		f, err := excelize.OpenReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open xlsx dataset: %w", err)
		}
		defer func() { _ = f.Close() }()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("xlsx dataset has no sheets")
		}
		table, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read rows from xlsx dataset: %w", err)
		}
		return rowsFromTable(table)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
}

// rowsFromTable maps a header row plus data rows onto sampleRows. Header
// names are matched case-insensitively; unknown columns are ignored.
func rowsFromTable(table [][]string) ([]sampleRow, error) {
	headerIdx := -1
	for idx, row := range table {
		if !isBlankRow(row) {
			headerIdx = idx
			break
		}
	}
	if headerIdx < 0 {
		return nil, nil
	}

	columns := map[string]int{}
	for idx, name := range table[headerIdx] {
		columns[strings.ToLower(strings.TrimSpace(name))] = idx
	}
	if _, ok := columns["asin"]; !ok {
		return nil, errors.New("dataset header has no asin column")
	}

	cell := func(row []string, name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rows := make([]sampleRow, 0, len(table)-headerIdx-1)
	for _, row := range table[headerIdx+1:] {
		if isBlankRow(row) {
			continue
		}
		rows = append(rows, sampleRow{
			ASIN:         cell(row, "asin"),
			Title:        cell(row, "title"),
			Brand:        cell(row, "brand"),
			Category:     cell(row, "category"),
			ImageURL:     cell(row, "image_url"),
			Price:        priceField(cell(row, "price")),
			Currency:     cell(row, "currency"),
			Availability: cell(row, "availability"),
			Seller:       cell(row, "seller"),
		})
	}
	return rows, nil
}

func isBlankRow(row []string) bool {
	for _, value := range row {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
