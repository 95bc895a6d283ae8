package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// filingPayload is the JSON shape the filing connector emits per workbook row.
type filingPayload struct {
	FileLogNumber   string `json:"file_log_number"`
	CompanyName     string `json:"company_name"`
	LineOfBusiness  string `json:"line_of_business"`
	FilingType      string `json:"filing_type"`
	Status          string `json:"status"`
	ReceivedDate    string `json:"received_date"`
	ClosedDate      string `json:"closed_date"`
	RateChangeGiven string `json:"rate_change_given"`
}

// FilingNormalizer maps rate-filing workbook rows to canonical records.
type FilingNormalizer struct{}

// NewFilingNormalizer returns a normalizer for rate filings.
func NewFilingNormalizer() *FilingNormalizer { return &FilingNormalizer{} }

func (n *FilingNormalizer) Kind() model.RecordKind { return model.KindFiling }

func (n *FilingNormalizer) Normalize(doc model.RawDocument) (*model.CanonicalRecord, error) {
	var p filingPayload
	if err := json.Unmarshal(doc.Payload, &p); err != nil {
		return nil, &ValidationError{SourceID: doc.SourceID, Reason: "payload is not valid filing JSON"}
	}

	p.FileLogNumber = trimQuotes(p.FileLogNumber)
	p.CompanyName = collapseSpaces(sanitizeUTF8(trimQuotes(p.CompanyName)))
	if p.FileLogNumber == "" {
		return nil, missingField(doc.SourceID, "file_log_number")
	}
	if p.CompanyName == "" {
		return nil, missingField(doc.SourceID, "company_name")
	}

	fields := map[string]any{
		"file_log_number":  p.FileLogNumber,
		"company_name":     p.CompanyName,
		"line_of_business": strings.TrimSpace(p.LineOfBusiness),
		"filing_type":      strings.TrimSpace(p.FilingType),
		"status":           strings.TrimSpace(p.Status),
	}
	if received := parseDate(p.ReceivedDate); !received.IsZero() {
		fields["received_date"] = received
	}
	if closed := parseDate(p.ClosedDate); !closed.IsZero() {
		fields["closed_date"] = closed
	}
	if strings.TrimSpace(p.RateChangeGiven) != "" {
		fields["rate_change_pct"] = parsePercent(p.RateChangeGiven)
	}

	text := fmt.Sprintf("%s rate filing %s, %s, %s",
		p.CompanyName, p.FileLogNumber, fields["line_of_business"], fields["status"])
	if pct, ok := fields["rate_change_pct"].(float64); ok {
		text = fmt.Sprintf("%s, rate change %.1f%%", text, pct)
	}

	return &model.CanonicalRecord{
		RecordID:    model.FilingRecordID(doc.SourceID, p.FileLogNumber),
		SourceID:    doc.SourceID,
		Kind:        model.KindFiling,
		Fields:      fields,
		RawText:     text,
		ContentHash: doc.ContentHash,
		IngestedAt:  doc.FetchedAt,
	}, nil
}
