// Package client uploads media to a reel server, splitting large files into
// chunks that are sent in parallel and combined server side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reel/internal/auth"
	"reel/internal/core"
	"reel/internal/upload"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   = 5 * upload.MiB
	DefaultConcurrency = 4
)

// APIError is a failed response decoded from the server's error body.
type APIError struct {
	Status  int
	Message string
	Part    *int
}

func (e *APIError) Error() string {
	if e.Part != nil {
		return fmt.Sprintf("reel: %d %s (part %d)", e.Status, e.Message, *e.Part)
	}
	return fmt.Sprintf("reel: %d %s", e.Status, e.Message)
}

type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	chunkSize   int64
	concurrency int
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithChunkSize sets the part size. Objects no larger than one part are
// sent in a single request.
func WithChunkSize(size int64) Option {
	return func(c *Client) {
		c.chunkSize = size
	}
}

func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		chunkSize:   DefaultChunkSize,
		concurrency: DefaultConcurrency,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}

	return c
}

// Result describes a stored object.
type Result struct {
	Key      string
	UploadID string
	Size     int64
	ETag     string
	Parts    int
}

func (c *Client) objectURL(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.baseURL + "/" + strings.Join(segments, "/")
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", auth.BearerPrefix+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}

		var body core.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Message != "" {
			apiErr.Message = body.Message
			apiErr.Part = body.Part
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// RequestUpload asks the server for a target key and upload id. It needs a
// token.
func (c *Client) RequestUpload(ctx context.Context, fileType string) (core.UploadURLResponse, error) {
	var rs core.UploadURLResponse
	err := c.postJSON(ctx, "/getUploadUrl", core.UploadURLRequest{FileType: fileType}, &rs)
	return rs, err
}

// Put stores r under key in a single request.
func (c *Client) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	return c.do(req, nil)
}

// PutChunk sends part index of a chunked upload.
func (c *Client) PutChunk(ctx context.Context, key, uploadID, contentType string, index, total int, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Upload-Id", uploadID)
	req.Header.Set("X-Part-Number", strconv.Itoa(index))
	req.Header.Set("X-Total-Parts", strconv.Itoa(total))

	return c.do(req, nil)
}

func (c *Client) Combine(ctx context.Context, key, uploadID, contentType string, total int, size int64) (core.CombineResponse, error) {
	var rs core.CombineResponse
	err := c.postJSON(ctx, "/combine", core.CombineRequest{
		Key:         key,
		UploadID:    uploadID,
		ContentType: contentType,
		TotalChunks: json.Number(strconv.Itoa(total)),
		TotalSize:   json.Number(strconv.FormatInt(size, 10)),
	}, &rs)
	return rs, err
}

func (c *Client) Abort(ctx context.Context, key, uploadID string) error {
	return c.postJSON(ctx, "/abort", core.AbortRequest{Key: key, UploadID: uploadID}, nil)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Upload stores size bytes of r under key. Objects larger than the chunk
// size are split into parts sent concurrently and then combined. A failed
// chunked upload is aborted so the server drops its parts. uploadID may be
// empty, in which case a fresh one is generated.
func (c *Client) Upload(ctx context.Context, key, uploadID, contentType string, r io.ReaderAt, size int64) (Result, error) {
	if size <= c.chunkSize {
		if err := c.Put(ctx, key, contentType, io.NewSectionReader(r, 0, size), size); err != nil {
			return Result{}, err
		}
		return Result{Key: key, Size: size, Parts: 1}, nil
	}

	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	total := int((size + c.chunkSize - 1) / c.chunkSize)
	slog.Debug("Uploading in chunks", "key", key, "upload_id", uploadID, "parts", total)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)

	for index := range total {
		eg.Go(func() error {
			offset := int64(index) * c.chunkSize
			length := min(c.chunkSize, size-offset)

			data := make([]byte, length)
			if _, err := r.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read part %d: %w", index, err)
			}

			if err := c.PutChunk(egCtx, key, uploadID, contentType, index, total, data); err != nil {
				return fmt.Errorf("upload part %d: %w", index, err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		c.abandon(ctx, key, uploadID)
		return Result{}, err
	}

	rs, err := c.Combine(ctx, key, uploadID, contentType, total, size)
	if err != nil {
		return Result{}, err
	}

	return Result{Key: rs.Key, UploadID: uploadID, Size: rs.Size, ETag: rs.ETag, Parts: rs.Parts}, nil
}

func (c *Client) abandon(ctx context.Context, key, uploadID string) {
	if err := c.Abort(context.WithoutCancel(ctx), key, uploadID); err != nil {
		slog.Warn("Abort failed upload", "key", key, "upload_id", uploadID, "err", err)
	}
}
