// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package fetcher defines how the client engine obtains remote bytes.
// The engine only ever sees success or an error; timeouts and retry
// policy live behind the interface.
package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/updatetrust/go-updatetrust/metadata"
)

// Fetcher retrieves a file by URL, failing once more than maxLength
// bytes would have to be read.
type Fetcher interface {
	DownloadFile(urlPath string, maxLength int64, timeout time.Duration) ([]byte, error)
}

// DefaultFetcher is the plain HTTP implementation.
type DefaultFetcher struct {
	httpUserAgent string
}

// SetHTTPUserAgent sets a custom User-Agent for subsequent requests.
func (d *DefaultFetcher) SetHTTPUserAgent(userAgent string) {
	d.httpUserAgent = userAgent
}

// DownloadFile fetches urlPath, erroring out on a non-200 response, on
// timeout, or once the body exceeds maxLength bytes.
func (d *DefaultFetcher) DownloadFile(urlPath string, maxLength int64, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequest("GET", urlPath, nil)
	if err != nil {
		return nil, err
	}
	if d.httpUserAgent != "" {
		req.Header.Set("User-Agent", d.httpUserAgent)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, metadata.ErrDownload{Msg: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, metadata.ErrDownloadHTTP{StatusCode: res.StatusCode, URL: urlPath}
	}
	// The Content-Length header may be absent, -1 or plain wrong, so it
	// only serves as an early reject; the read below enforces the cap
	// regardless.
	if header := res.Header.Get("Content-Length"); header != "" {
		length, err := strconv.ParseInt(header, 10, 0)
		if err != nil {
			return nil, err
		}
		if length > maxLength {
			return nil, metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", urlPath, length, maxLength)}
		}
	}
	// Read one byte past the cap to detect an oversized body without
	// ever buffering more than that.
	data, err := io.ReadAll(io.LimitReader(res.Body, maxLength+1))
	if err != nil {
		return nil, metadata.ErrDownload{Msg: err.Error()}
	}
	if int64(len(data)) > maxLength {
		return nil, metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("download failed for %s, length %d is larger than expected %d", urlPath, len(data), maxLength)}
	}
	return data, nil
}
