package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/fetcher"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// bulletinPage is the paginated listing shape the OIR document portal returns.
type bulletinPage struct {
	Items []struct {
		DocumentNumber string `json:"document_number"`
		Title          string `json:"title"`
		Category       string `json:"category"`
		IssuedDate     string `json:"issued_date"`
		Summary        string `json:"summary"`
		DocumentURL    string `json:"document_url"`
	} `json:"items"`
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// BulletinConnector walks the OIR bulletin/order listing page by page and
// emits one document per bulletin.
type BulletinConnector struct {
	sourceID string
	fetcher  fetcher.Fetcher
	pageSize int
	maxPages int
	nowFunc  func() time.Time
}

// NewBulletinConnector creates a connector for a paginated bulletin listing.
func NewBulletinConnector(sourceID string, f fetcher.Fetcher) *BulletinConnector {
	return &BulletinConnector{
		sourceID: sourceID,
		fetcher:  f,
		pageSize: 50,
		maxPages: 200,
		nowFunc:  time.Now,
	}
}

func (c *BulletinConnector) SourceID() string       { return c.sourceID }
func (c *BulletinConnector) Family() model.Family   { return model.FamilyRegulatory }
func (c *BulletinConnector) Kind() model.RecordKind { return model.KindBulletin }

func (c *BulletinConnector) Fetch(ctx context.Context, src model.SourceDescriptor, emit EmitFunc) error {
	log := zap.L().With(zap.String("component", "connector.bulletins"), zap.String("source_id", c.sourceID))

	var emitted int
	for page := 1; page <= c.maxPages; page++ {
		pageURL := fmt.Sprintf("%s?page=%d&page_size=%d", src.Endpoint, page, c.pageSize)

		parsed, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return eris.Wrapf(err, "bulletins: page %d", page)
		}

		fetchedAt := c.nowFunc().UTC()
		for _, item := range parsed.Items {
			payload, err := json.Marshal(item)
			if err != nil {
				return eris.Wrap(err, "bulletins: marshal item")
			}
			doc := model.NewRawDocument(c.sourceID, model.PayloadJSON, pageURL, payload, fetchedAt)
			if err := emit(doc); err != nil {
				return err
			}
			emitted++
		}

		if parsed.TotalPages > 0 && page >= parsed.TotalPages {
			break
		}
		if len(parsed.Items) == 0 {
			break
		}

		// Incremental runs stop once a full page predates the last success:
		// the listing is newest-first, so everything after is already stored.
		if src.FetchMode == model.ModeIncremental && src.LastSuccessAt != nil {
			if pageOlderThan(parsed, *src.LastSuccessAt) {
				log.Debug("bulletins: reached already-ingested pages", zap.Int("page", page))
				break
			}
		}
	}

	log.Info("bulletins: fetch complete", zap.Int("documents", emitted))
	return nil
}

func (c *BulletinConnector) fetchPage(ctx context.Context, pageURL string) (*bulletinPage, error) {
	ctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	body, err := c.fetcher.Download(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrap(err, "read page body")
	}

	var parsed bulletinPage
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, eris.Wrap(err, "decode page json")
	}
	return &parsed, nil
}

func pageOlderThan(page *bulletinPage, cutoff time.Time) bool {
	if len(page.Items) == 0 {
		return false
	}
	for _, item := range page.Items {
		issued, err := time.Parse("2006-01-02", item.IssuedDate)
		if err != nil {
			return false
		}
		if !issued.Before(cutoff) {
			return false
		}
	}
	return true
}
