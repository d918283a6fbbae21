package zotero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/storage"
)

// ErrNoPDF marks an item with no usable PDF attachment.
var ErrNoPDF = errors.New("item has no pdf attachment")

// Ingestor is the slice of the document store the syncer needs.
type Ingestor interface {
	Ingest(ctx context.Context, study string, src docstore.Source) (storage.Document, error)
}

// Syncer mirrors a Zotero library into studies: every collection with items
// becomes a study named after it, its journal articles ingested as documents.
// Ingestion dedupes by content, so repeated syncs only pull what is new.
type Syncer struct {
	client *Client
	store  Ingestor
}

func NewSyncer(client *Client, store Ingestor) *Syncer {
	return &Syncer{client: client, store: store}
}

// SyncResult is the outcome of one collection's sync.
type SyncResult struct {
	Study    string
	Ingested int
	Failed   []ItemError
}

// ItemError records one item that could not be ingested.
type ItemError struct {
	Key   string
	Title string
	Err   error
}

// Sync pulls every non-empty collection into its study. Item trouble is
// contained per item and reported in the results; a failed collection listing
// aborts and returns the collections finished so far.
func (s *Syncer) Sync(ctx context.Context) ([]SyncResult, error) {
	collections, err := s.client.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	var results []SyncResult
	for _, col := range collections {
		if col.NumItems == 0 {
			continue
		}
		res, err := s.syncCollection(ctx, col)
		if err != nil {
			return results, fmt.Errorf("collection %s: %w", col.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Syncer) syncCollection(ctx context.Context, col Collection) (SyncResult, error) {
	items, err := s.client.CollectionItems(ctx, col.Key)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Study: col.Name}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src, err := s.itemSource(ctx, item)
		if err == nil {
			_, err = s.store.Ingest(ctx, col.Name, src)
		}
		if err != nil {
			slog.Warn("skipping zotero item",
				"study", col.Name, "item", item.Key, "error", err)
			res.Failed = append(res.Failed, ItemError{Key: item.Key, Title: item.Title, Err: err})
			continue
		}
		res.Ingested++
	}

	slog.Info("collection synced",
		"study", col.Name, "ingested", res.Ingested, "failed", len(res.Failed))
	return res, nil
}

// itemSource builds the ingestion source for one item: the bytes of a PDF
// attachment, or Zotero's own extracted text when a download fails. The
// source name is the item key, which keeps re-syncs idempotent.
func (s *Syncer) itemSource(ctx context.Context, item Item) (docstore.Source, error) {
	children, err := s.client.ItemChildren(ctx, item.Key)
	if err != nil {
		return docstore.Source{}, fmt.Errorf("listing attachments: %w", err)
	}

	var lastErr error
	for _, child := range children {
		if child.ItemType != "attachment" || child.ContentType != "application/pdf" {
			continue
		}
		data, err := s.client.ItemPDF(ctx, child.Key)
		if err == nil {
			return docstore.Source{Name: item.Key, Data: data, Meta: item.Metadata()}, nil
		}
		lastErr = fmt.Errorf("attachment %s: %w", child.Key, err)

		text, textErr := s.client.ItemFullText(ctx, child.Key)
		if textErr == nil && text != "" {
			slog.Debug("using zotero extracted text", "item", item.Key, "attachment", child.Key)
			return docstore.Source{Name: item.Key, Data: []byte(text), Meta: item.Metadata()}, nil
		}
	}
	if lastErr != nil {
		return docstore.Source{}, lastErr
	}
	return docstore.Source{}, ErrNoPDF
}
