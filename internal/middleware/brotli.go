package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// DefaultBrotliMinLength is the smallest body worth compressing.
const DefaultBrotliMinLength = 1024

// brotliWriter holds the whole body until the handler returns so the
// compress-or-not decision can look at its size.
type brotliWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	return bw.buf.Write(data)
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.buf.WriteString(s)
}

// Brotli compresses buffered responses (audit pages, submission lists) for
// clients that accept br. Streaming responses pass through untouched.
func Brotli(quality, minLength int) gin.HandlerFunc {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		quality = brotli.DefaultCompression
	}
	if minLength <= 0 {
		minLength = DefaultBrotliMinLength
	}

	return func(c *gin.Context) {
		if isStreaming(c) || !acceptsBrotli(c.GetHeader("Accept-Encoding")) {
			c.Next()
			return
		}

		original := c.Writer
		bw := &brotliWriter{ResponseWriter: original}
		c.Writer = bw
		c.Next()
		c.Writer = original

		body := bw.buf.Bytes()
		if len(body) < minLength {
			if len(body) > 0 {
				_, _ = original.Write(body)
			}
			return
		}

		h := original.Header()
		h.Set("Content-Encoding", "br")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")

		w := brotli.NewWriterLevel(original, quality)
		if _, err := w.Write(body); err != nil {
			_ = c.Error(err)
		}
		if err := w.Close(); err != nil {
			_ = c.Error(err)
		}
	}
}

// isStreaming reports SSE and WebSocket requests, which must not be buffered.
func isStreaming(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func acceptsBrotli(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		enc = strings.TrimSpace(strings.ToLower(enc))
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			if q := strings.TrimSpace(enc[i+1:]); strings.HasPrefix(q, "q=") {
				if v, err := strconv.ParseFloat(q[2:], 64); err == nil && v == 0 {
					continue
				}
			}
			enc = strings.TrimSpace(enc[:i])
		}
		if enc == "br" {
			return true
		}
	}
	return false
}
