package filevine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
)

const (
	linkChunkSize  = 10
	linkTTLSeconds = 600
	maxLinkRetries = 5
)

var errNoLink = errors.New("no download link in response")

type batchDownloadRequest struct {
	DocumentIDs           []int64 `json:"DocumentIds"`
	DownloadURLTimeToLive int     `json:"DownloadUrlTimeToLive"`
}

type downloadItem struct {
	DocumentID   ID     `json:"documentId"`
	DownloadLink string `json:"downloadLink"`
}

// ResolveLinks returns short-lived download links for ids. Ids are sent in
// small chunks; a chunk that keeps failing, and any id the response left
// out, is retried on its own. Ids still unresolved after that are absent
// from the result.
func (c *Client) ResolveLinks(ctx context.Context, ids []int64) map[int64]string {
	log := logging.WithContext(ctx)
	out := make(map[int64]string, len(ids))

	seen := make(map[int64]bool, len(ids))
	uniq := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != 0 && !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}

	for start := 0; start < len(uniq); start += linkChunkSize {
		end := min(start+linkChunkSize, len(uniq))
		chunk := uniq[start:end]
		items, err := c.postBatch(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			log.Error("batch download failed, falling back per document",
				zap.Int("chunk_start", start), zap.Error(err))
			continue
		}
		for i, it := range items {
			if it.DownloadLink == "" {
				continue
			}
			id := int64(it.DocumentID)
			if !seen[id] {
				if i >= len(chunk) {
					continue
				}
				id = chunk[i]
			}
			out[id] = it.DownloadLink
		}
	}

	for _, id := range uniq {
		if _, ok := out[id]; ok {
			continue
		}
		if ctx.Err() != nil {
			return out
		}
		link, err := c.resolveOne(ctx, id)
		if err != nil {
			log.Error("no download link", logging.DocumentID(id), zap.Error(err))
			continue
		}
		out[id] = link
	}
	return out
}

// resolveOne asks for a single link, treating an empty answer as retryable.
func (c *Client) resolveOne(ctx context.Context, id int64) (string, error) {
	var link string
	err := c.withLinkRetry(ctx, func() error {
		items, err := c.batchOnce(ctx, []int64{id})
		if err != nil {
			return err
		}
		if len(items) == 0 || items[0].DownloadLink == "" {
			return errNoLink
		}
		link = items[0].DownloadLink
		return nil
	})
	return link, err
}

func (c *Client) postBatch(ctx context.Context, ids []int64) ([]downloadItem, error) {
	var items []downloadItem
	err := c.withLinkRetry(ctx, func() error {
		var err error
		items, err = c.batchOnce(ctx, ids)
		return err
	})
	return items, err
}

// batchOnce posts one batch request without the client's own 429/5xx
// backoff; withLinkRetry is the only retry loop on this path. Errors that
// should not be retried are wrapped as permanent.
func (c *Client) batchOnce(ctx context.Context, ids []int64) ([]downloadItem, error) {
	body, err := json.Marshal(batchDownloadRequest{DocumentIDs: ids, DownloadURLTimeToLive: linkTTLSeconds})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.execute(ctx, http.MethodPost, c.url("/core/documents/batch/download", nil), c.headers, body, c.metadataTimeout, 0)
	if err != nil {
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	var items []downloadItem
	if err := resp.Decode(&items); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("unexpected batch payload: %w", err))
	}
	return items, nil
}

func (c *Client) withLinkRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.policy.NewBackOff(), maxLinkRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		metrics.RecordRetry("download_link")
		logging.WithContext(ctx).Warn("download link request failed, retrying",
			zap.Error(err), zap.Duration("wait", wait))
	})
}
