package connector

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/fetcher"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// filingRow mirrors the columns of the rate-filing search export workbook.
type filingRow struct {
	FileLogNumber   string `json:"file_log_number"`
	CompanyName     string `json:"company_name"`
	LineOfBusiness  string `json:"line_of_business"`
	FilingType      string `json:"filing_type"`
	Status          string `json:"status"`
	ReceivedDate    string `json:"received_date"`
	ClosedDate      string `json:"closed_date"`
	RateChangeGiven string `json:"rate_change_given"`
}

// filingColumns maps workbook header names (lowercased) to row fields. The
// portal has renamed columns across exports, so several aliases map to the
// same field.
var filingColumns = map[string]func(*filingRow, string){
	"file log number":     func(r *filingRow, v string) { r.FileLogNumber = v },
	"file log #":          func(r *filingRow, v string) { r.FileLogNumber = v },
	"company name":        func(r *filingRow, v string) { r.CompanyName = v },
	"company":             func(r *filingRow, v string) { r.CompanyName = v },
	"line of business":    func(r *filingRow, v string) { r.LineOfBusiness = v },
	"lob":                 func(r *filingRow, v string) { r.LineOfBusiness = v },
	"filing type":         func(r *filingRow, v string) { r.FilingType = v },
	"status":              func(r *filingRow, v string) { r.Status = v },
	"disposition":         func(r *filingRow, v string) { r.Status = v },
	"received date":       func(r *filingRow, v string) { r.ReceivedDate = v },
	"date received":       func(r *filingRow, v string) { r.ReceivedDate = v },
	"closed date":         func(r *filingRow, v string) { r.ClosedDate = v },
	"rate change given":   func(r *filingRow, v string) { r.RateChangeGiven = v },
	"overall rate change": func(r *filingRow, v string) { r.RateChangeGiven = v },
}

// FilingConnector downloads the rate-filing search export workbook and emits
// one document per filing row. Incremental runs remember the export's ETag
// and skip the workbook entirely when the portal reports it unchanged.
type FilingConnector struct {
	sourceID string
	fetcher  fetcher.Fetcher
	tempDir  string
	etag     string
	nowFunc  func() time.Time
}

// NewFilingConnector creates a connector for the filing export workbook.
func NewFilingConnector(sourceID string, f fetcher.Fetcher, tempDir string) *FilingConnector {
	return &FilingConnector{sourceID: sourceID, fetcher: f, tempDir: tempDir, nowFunc: time.Now}
}

func (c *FilingConnector) SourceID() string       { return c.sourceID }
func (c *FilingConnector) Family() model.Family   { return model.FamilyFiling }
func (c *FilingConnector) Kind() model.RecordKind { return model.KindFiling }

func (c *FilingConnector) Fetch(ctx context.Context, src model.SourceDescriptor, emit EmitFunc) error {
	log := zap.L().With(zap.String("component", "connector.filings"), zap.String("source_id", c.sourceID))

	dlCtx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	xlsxPath := filepath.Join(c.tempDir, c.sourceID+".xlsx")
	if src.FetchMode == model.ModeFull {
		if _, err := c.fetcher.DownloadToFile(dlCtx, src.Endpoint, xlsxPath); err != nil {
			return eris.Wrap(err, "filings: download export")
		}
	} else {
		changed, err := c.downloadIfChanged(dlCtx, src.Endpoint, xlsxPath)
		if err != nil {
			return err
		}
		if !changed {
			log.Info("filings: export unchanged, skipping")
			return nil
		}
	}
	defer os.Remove(xlsxPath) //nolint:errcheck

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamXLSX(ctx, xlsxPath, fetcher.XLSXOptions{
		SkipRows: 1,
		HeaderCh: headerCh,
	})

	var setters []func(*filingRow, string)
	var emitted, skipped int
	fetchedAt := c.nowFunc().UTC()

	for row := range rowCh {
		if setters == nil {
			header := <-headerCh
			setters = make([]func(*filingRow, string), len(header))
			for i, col := range header {
				setters[i] = filingColumns[strings.ToLower(strings.TrimSpace(col))]
			}
		}

		var fr filingRow
		for i, cell := range row {
			if i < len(setters) && setters[i] != nil {
				setters[i](&fr, strings.TrimSpace(cell))
			}
		}
		if fr.FileLogNumber == "" {
			skipped++
			continue
		}

		payload, err := json.Marshal(fr)
		if err != nil {
			return eris.Wrap(err, "filings: marshal row")
		}
		doc := model.NewRawDocument(c.sourceID, model.PayloadJSON, src.Endpoint, payload, fetchedAt)
		if err := emit(doc); err != nil {
			return err
		}
		emitted++
	}

	if err := <-errCh; err != nil {
		return eris.Wrap(err, "filings: stream workbook")
	}

	log.Info("filings: fetch complete", zap.Int("documents", emitted), zap.Int("skipped", skipped))
	return nil
}

// downloadIfChanged performs a conditional fetch against the remembered ETag
// and writes the workbook to path when the portal sends a fresh copy.
func (c *FilingConnector) downloadIfChanged(ctx context.Context, endpoint, path string) (bool, error) {
	body, newETag, changed, err := c.fetcher.DownloadIfChanged(ctx, endpoint, c.etag)
	if err != nil {
		return false, eris.Wrap(err, "filings: download export")
	}
	if !changed {
		return false, nil
	}
	defer body.Close() //nolint:errcheck

	out, err := os.Create(path)
	if err != nil {
		return false, eris.Wrap(err, "filings: create workbook file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, body); err != nil {
		return false, eris.Wrap(err, "filings: write workbook")
	}
	c.etag = newETag
	return true, nil
}
