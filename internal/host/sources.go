package host

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"marketpulse/internal/models"
)

type SourceKind string

const (
	SourceManual     SourceKind = "manual"
	SourceCSV        SourceKind = "csv"
	SourceSheets     SourceKind = "sheets"
	SourceHubSpot    SourceKind = SourceKind(models.ProviderHubSpot)
	SourceSalesforce SourceKind = SourceKind(models.ProviderSalesforce)
	SourceShopify    SourceKind = SourceKind(models.ProviderShopify)
)

// SourceInfo is one tile of the source picker.
type SourceInfo struct {
	Kind   SourceKind `json:"kind"`
	Label  string     `json:"label"`
	Wizard bool       `json:"wizard"`
}

var sources = []SourceInfo{
	{Kind: SourceManual, Label: "Manual entry"},
	{Kind: SourceCSV, Label: "CSV upload"},
	{Kind: SourceSheets, Label: "Google Sheets"},
	{Kind: SourceHubSpot, Label: "HubSpot", Wizard: true},
	{Kind: SourceSalesforce, Label: "Salesforce", Wizard: true},
	{Kind: SourceShopify, Label: "Shopify", Wizard: true},
}

// Sources lists the picker entries in display order.
func Sources() []SourceInfo {
	return append([]SourceInfo(nil), sources...)
}

func lookupSource(kind SourceKind) (SourceInfo, bool) {
	for _, s := range sources {
		if s.Kind == kind {
			return s, true
		}
	}
	return SourceInfo{}, false
}

// Table is an uploaded CSV or a fetched sheet.
type Table struct {
	Headers []string
	Rows    [][]string
}

// TableView is what the column picker shows.
type TableView struct {
	Headers         []string   `json:"headers"`
	RowCount        int        `json:"rowCount"`
	Sample          [][]string `json:"sample,omitempty"`
	SuggestedColumn string     `json:"suggestedColumn,omitempty"`
}

const sampleRows = 5

func (t *Table) view() *TableView {
	if t == nil {
		return nil
	}
	n := len(t.Rows)
	if n > sampleRows {
		n = sampleRows
	}
	return &TableView{
		Headers:         append([]string(nil), t.Headers...),
		RowCount:        len(t.Rows),
		Sample:          t.Rows[:n:n],
		SuggestedColumn: SuggestColumn(t.Headers),
	}
}

// ParseCSV reads a header row followed by data rows.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, errors.New("CSV needs a header row and at least one data row")
	}
	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return &Table{Headers: headers, Rows: records[1:]}, nil
}

var revenueHints = []string{"revenue", "amount", "total", "value", "sales"}

// SuggestColumn picks the first header that looks like a money column.
func SuggestColumn(headers []string) string {
	for _, hint := range revenueHints {
		for _, h := range headers {
			if strings.Contains(strings.ToLower(h), hint) {
				return h
			}
		}
	}
	return ""
}

// SumColumn adds up the parseable amounts in column. Blank and unparseable
// cells are skipped and counted.
func (t *Table) SumColumn(column string) (total float64, counted, skipped int, err error) {
	idx := -1
	for i, h := range t.Headers {
		if h == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, 0, fmt.Errorf("column %q not found", column)
	}
	for _, row := range t.Rows {
		if idx >= len(row) {
			skipped++
			continue
		}
		amount, ok := ParseAmount(row[idx])
		if !ok {
			skipped++
			continue
		}
		total += amount
		counted++
	}
	return total, counted, skipped, nil
}

// ParseAmount accepts values such as "1234.5", "$1,234.50", "€ 99" and
// "(12.00)" for negatives. A comma after a dot ("1.234,56") is rejected
// rather than guessed at.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if dot := strings.Index(s, "."); dot >= 0 && strings.LastIndex(s, ",") > dot {
		return 0, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return -1
	}, s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}
