package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/objectfs/resload/internal/scheduler"
	"github.com/objectfs/resload/pkg/retry"
	"github.com/objectfs/resload/pkg/types"
)

const (
	progressChunk = 64 * 1024

	// Content-Length is only a hint; growth past this comes from append
	maxPrealloc = 8 << 20
)

type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(client *http.Client) *httpFetcher {
	return &httpFetcher{client: client}
}

// Fetch downloads req.Locator(). Client errors other than 408 and 429 are
// not retried.
func (f *httpFetcher) Fetch(ctx context.Context, req types.LoadRequest, progress scheduler.ProgressFunc) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Locator(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("GET %s: %s", req.Locator(), resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}

	return readWithProgress(resp.Body, resp.ContentLength, progress)
}

func readWithProgress(r io.Reader, total int64, progress scheduler.ProgressFunc) ([]byte, error) {
	var buf []byte
	if total > 0 {
		buf = make([]byte, 0, min(total, maxPrealloc))
	}
	chunk := make([]byte, progressChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if progress != nil {
				progress(int64(len(buf)), total)
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
