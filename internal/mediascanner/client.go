// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mediascanner talks to the external media-scanner HTTP service
// that produces thumbnails, previews and metadata asynchronously.
//
// The scanner's protocol is body-based: the leading token of the plain-text
// response decides the outcome (202 done, 203 in progress, anything else a
// failure). HTTP status codes are not consulted.
package mediascanner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/GitThaisen/tv-automation-media-management/internal/domain"
)

// Kind selects the scanner endpoint.
type Kind string

const (
	KindMedia     Kind = "media/scanAsync"
	KindMetadata  Kind = "metadata/generateAsync"
	KindPreview   Kind = "preview/generateAsync"
	KindThumbnail Kind = "thumbnail/generateAsync"
)

const (
	defaultPollInterval = time.Second
	requestTimeout      = 30 * time.Second
	transportRetries    = 3
)

// Client is a media-scanner HTTP client. The zero host means "no scanner
// configured"; callers check Configured before issuing work.
type Client struct {
	host string
	port int

	httpc        *http.Client
	pollInterval time.Duration
}

// New creates a client from config.
func New(cfg domain.MediaScannerConfig) *Client {
	return &Client{
		host:         cfg.Host,
		port:         cfg.Port,
		httpc:        &http.Client{Timeout: requestTimeout},
		pollInterval: defaultPollInterval,
	}
}

// Configured reports whether a scanner host is set.
func (c *Client) Configured() bool {
	return c.host != ""
}

// Generate triggers the given asynchronous operation for id and polls until
// the scanner reports completion. It returns nil on completion and an error
// carrying the scanner's response body on failure.
func (c *Client) Generate(ctx context.Context, kind Kind, id string) error {
	uri := c.uri(kind, id)

	body, err := c.request(ctx, http.MethodPost, uri)
	if err != nil {
		return err
	}

	for {
		switch {
		case strings.HasPrefix(body, "202"):
			log.Debug().Str("kind", string(kind)).Str("id", id).Msg("[SCANNER] operation complete")
			return nil
		case strings.HasPrefix(body, "203"):
			log.Debug().Str("kind", string(kind)).Str("id", id).Msg("[SCANNER] operation in progress")
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "poll media scanner")
			}
			// polls use GET on the same URI
			body, err = c.request(ctx, http.MethodGet, uri)
			if err != nil {
				return err
			}
		default:
			return errors.Errorf("media scanner: %s", strings.TrimSpace(body))
		}
	}
}

func (c *Client) uri(kind Kind, id string) string {
	return fmt.Sprintf("http://%s:%d/%s/%s", c.host, c.port, kind, url.PathEscape(id))
}

// request performs one HTTP call and returns the response body. Transport
// failures are retried; the body protocol is left to the caller.
func (c *Client) request(ctx context.Context, method, uri string) (string, error) {
	var body string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, uri, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := c.httpc.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				return err
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			body = string(b)
			return nil
		},
		retry.Attempts(transportRetries),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", errors.Wrapf(err, "%s %s", method, uri)
	}

	return body, nil
}

// FileID builds the scanner id for a file: the slash-normalized name with
// its extension dropped, prefixed with the storage's media path when set.
func FileID(name, mediaPath string) string {
	norm := NormalizePath(name)
	id := strings.TrimSuffix(norm, path.Ext(norm))
	if mediaPath != "" {
		id = strings.TrimSuffix(mediaPath, "/") + "/" + id
	}
	return id
}

// NormalizePath converts backslash separators to forward slashes.
func NormalizePath(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}
