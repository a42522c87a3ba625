package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"reel/internal/client"
	"time"

	"github.com/charmbracelet/log"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// UploadFile sends one file. Without an explicit key the server assigns one
// through getUploadUrl, which needs a token.
func UploadFile(ctx context.Context, c *client.Client, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var uploadID string
	if key == "" {
		ticket, err := c.RequestUpload(ctx, contentType)
		if err != nil {
			return fmt.Errorf("failed to request upload for %q: %w", path, err)
		}
		key, uploadID = ticket.Key, ticket.UploadID
		slog.Info("Reserved upload", "key", key, "upload_id", uploadID, "url", ticket.UploadURL)
	}

	started := time.Now()
	res, err := c.Upload(ctx, key, uploadID, contentType, f, stat.Size())
	if err != nil {
		return fmt.Errorf("failed to upload %q: %w", path, err)
	}

	slog.Info("Uploaded file", "file", path, "key", res.Key, "size", res.Size, "parts", res.Parts, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func main() {
	server := flag.String("server", getenv("REEL_SERVER", "http://localhost:9000"), "reel server base URL")
	token := flag.String("token", getenv("REEL_TOKEN", ""), "bearer token")
	key := flag.String("key", "", "object key; assigned by the server when empty")
	contentType := flag.String("type", "", "content type; guessed from the file extension when empty")
	chunkSize := flag.Int64("chunk-size", client.DefaultChunkSize, "chunk size in bytes")
	concurrency := flag.Int("concurrency", client.DefaultConcurrency, "parallel chunk uploads")
	flag.Parse()

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(handler))

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: reel-upload [flags] file...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *key != "" && flag.NArg() > 1 {
		slog.Error("-key can only be used with a single file")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*server,
		client.WithToken(*token),
		client.WithChunkSize(*chunkSize),
		client.WithConcurrency(*concurrency),
	)

	failed := 0
	for _, path := range flag.Args() {
		if err := UploadFile(ctx, c, path, *key, *contentType); err != nil {
			slog.Error("Upload failed", "err", err)
			failed++
		}
	}

	if failed > 0 {
		stop()
		os.Exit(1)
	}
}
