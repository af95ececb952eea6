// Package archive packs a mailbox listing into a ZIP of .eml files. Items
// that cannot be materialized are replaced by an _ERROR.txt note so the
// archive is always complete.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/zip"

	"github.io/infrasutra/mailexport/internal/eml"
	"github.io/infrasutra/mailexport/internal/mailbox"
)

const (
	maxNameLength   = 80
	placeholderName = "email"
	illegalChars    = `\/*?:"<>|!`
)

// Materializer produces the bytes of a single listing item.
type Materializer interface {
	Materialize(ctx context.Context, token string, ref eml.Ref) ([]byte, error)
}

type Builder struct {
	materializer Materializer
	logger       *slog.Logger
	now          func() time.Time
}

func NewBuilder(materializer Materializer, logger *slog.Logger) *Builder {
	return &Builder{materializer: materializer, logger: logger, now: time.Now}
}

// Build writes one entry per listing item to w, in listing order. Only
// failures of the ZIP writer itself are returned.
func (b *Builder) Build(ctx context.Context, token string, listing *mailbox.Listing, w io.Writer) error {
	zw := zip.NewWriter(w)
	modified := b.now()

	failed := 0
	for i, summary := range listing.Messages {
		ref := eml.Ref{
			Source:  listing.Source,
			Mailbox: listing.Email,
			GroupID: listing.GroupID,
			ID:      summary.ID,
		}

		data, err := b.materializer.Materialize(ctx, token, ref)
		ok := err == nil
		if !ok {
			failed++
			b.logger.Warn("materialize item", "index", i+1, "id", summary.ID, "error", err)
			data = errorNote(summary.Subject)
		}

		header := &zip.FileHeader{
			Name:     EntryName(i+1, summary.Subject, ok),
			Method:   zip.Deflate,
			Modified: modified,
		}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", header.Name, err)
		}
		if _, err := entry.Write(data); err != nil {
			return fmt.Errorf("write entry %s: %w", header.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	b.logger.Info("archive built", "email", listing.Email, "source", listing.Source,
		"items", len(listing.Messages), "failed", failed)
	return nil
}

// BuildBytes is Build into memory.
func (b *Builder) BuildBytes(ctx context.Context, token string, listing *mailbox.Listing) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Build(ctx, token, listing, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EntryName returns the archive name of the item at the 1-based index.
func EntryName(index int, subject string, ok bool) string {
	base := fmt.Sprintf("%02d_%s", index, SanitizeFilename(subject))
	if ok {
		return base + ".eml"
	}
	return base + "_ERROR.txt"
}

// SanitizeFilename makes subject safe to use as a file name. It never
// returns an empty string.
func SanitizeFilename(subject string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalChars, r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, subject)
	cleaned = strings.Trim(cleaned, ". ")

	if runes := []rune(cleaned); len(runes) > maxNameLength {
		cleaned = strings.Trim(string(runes[:maxNameLength]), ". ")
	}
	if cleaned == "" {
		return placeholderName
	}
	return cleaned
}

func errorNote(subject string) []byte {
	if subject == "" {
		subject = "Unknown"
	}
	return []byte("Failed to download: " + subject + "\n")
}
