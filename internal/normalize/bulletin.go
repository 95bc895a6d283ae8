package normalize

import (
	"encoding/json"
	"strings"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// bulletinPayload is the JSON shape the regulatory connector emits, one
// document per bulletin or order pulled from the OIR listing.
type bulletinPayload struct {
	DocumentNumber string `json:"document_number"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	IssuedDate     string `json:"issued_date"`
	Summary        string `json:"summary"`
	DocumentURL    string `json:"document_url"`
	BodyText       string `json:"body_text"`
}

// BulletinNormalizer maps OIR bulletins and orders to canonical records.
type BulletinNormalizer struct{}

// NewBulletinNormalizer returns a normalizer for regulatory bulletins.
func NewBulletinNormalizer() *BulletinNormalizer { return &BulletinNormalizer{} }

func (n *BulletinNormalizer) Kind() model.RecordKind { return model.KindBulletin }

func (n *BulletinNormalizer) Normalize(doc model.RawDocument) (*model.CanonicalRecord, error) {
	var p bulletinPayload
	if err := json.Unmarshal(doc.Payload, &p); err != nil {
		return nil, &ValidationError{SourceID: doc.SourceID, Reason: "payload is not valid bulletin JSON"}
	}

	p.DocumentNumber = strings.TrimSpace(p.DocumentNumber)
	p.Title = collapseSpaces(sanitizeUTF8(p.Title))
	if p.DocumentNumber == "" {
		return nil, missingField(doc.SourceID, "document_number")
	}
	if p.Title == "" {
		return nil, missingField(doc.SourceID, "title")
	}

	fields := map[string]any{
		"document_number": p.DocumentNumber,
		"title":           p.Title,
		"category":        strings.TrimSpace(p.Category),
		"document_url":    strings.TrimSpace(p.DocumentURL),
	}
	if issued := parseDate(p.IssuedDate); !issued.IsZero() {
		fields["issued_date"] = issued
	}
	if summary := collapseSpaces(sanitizeUTF8(p.Summary)); summary != "" {
		fields["summary"] = summary
	}

	// The embedding text leads with the title so short queries land on it.
	var sb strings.Builder
	sb.WriteString(p.Title)
	if s, ok := fields["summary"].(string); ok {
		sb.WriteString("\n")
		sb.WriteString(s)
	}
	if body := collapseSpaces(sanitizeUTF8(p.BodyText)); body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}

	return &model.CanonicalRecord{
		RecordID:    model.BulletinRecordID(doc.SourceID, p.DocumentNumber),
		SourceID:    doc.SourceID,
		Kind:        model.KindBulletin,
		Fields:      fields,
		RawText:     sb.String(),
		ContentHash: doc.ContentHash,
		IngestedAt:  doc.FetchedAt,
	}, nil
}
