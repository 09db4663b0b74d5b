// Package response decodes buffered backend bodies. Relays do not always
// honour Accept-Encoding, so bodies may arrive compressed even when the
// transport did not ask for it.
package response

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/lzw"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Processor decodes response bodies according to Content-Encoding.
type Processor struct {
	logger *slog.Logger
}

// NewProcessor creates a processor; a nil logger uses slog.Default.
func NewProcessor(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger}
}

// Decode returns body decoded per header's Content-Encoding. Stacked
// encodings ("gzip, br") are undone in reverse order. source names the
// strategy for log lines.
func (p *Processor) Decode(ctx context.Context, header http.Header, body []byte, source string) ([]byte, error) {
	encodings := parseEncodings(header.Get("Content-Encoding"))
	if len(encodings) == 0 {
		return body, nil
	}

	data := body
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := encodings[i]
		decoded, err := p.decodeOne(ctx, enc, data, source)
		if err != nil {
			return nil, err
		}
		data = decoded
	}
	return data, nil
}

func (p *Processor) decodeOne(ctx context.Context, encoding string, data []byte, source string) ([]byte, error) {
	var reader io.Reader
	switch encoding {
	case "identity":
		return data, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		reader = fr
	case "br":
		reader = brotli.NewReader(bytes.NewReader(data))
	case "compress", "x-compress":
		lr := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer lr.Close()
		reader = lr
	default:
		// Unknown encodings are passed through rather than failing the call
		p.logger.WarnContext(ctx, fmt.Sprintf("⚠️ [Decode] Unknown content encoding from %s: %s, using raw body", source, encoding))
		return data, nil
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s content: %w", encoding, err)
	}

	p.logger.DebugContext(ctx, fmt.Sprintf("🗜️ [Decode] %s body from %s: %d -> %d bytes", encoding, source, len(data), len(decoded)))
	return decoded, nil
}

func parseEncodings(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		enc := strings.ToLower(strings.TrimSpace(part))
		if enc != "" {
			out = append(out, enc)
		}
	}
	return out
}

// CopyResponseHeaders copies backend headers to w, dropping those that no
// longer describe the (decoded, re-framed) body.
func (p *Processor) CopyResponseHeaders(src http.Header, w http.ResponseWriter) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Transfer-Encoding", "Connection", "Content-Encoding":
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}
