// internal/engine/sim/transport.go
package sim

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipPool   = sync.Pool{New: func() any { return new(gzip.Reader) }}
	brotliPool = sync.Pool{New: func() any { return brotli.NewReader(nil) }}

	drained = strings.NewReader("")
)

// decodingTransport advertises compressed encodings and hands page loads a
// decoded body, the way a browser network stack does.
type decodingTransport struct {
	next      http.RoundTripper
	userAgent string
	locale    string
}

func newDecodingTransport(next http.RoundTripper, userAgent, locale string) *decodingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decodingTransport{next: next, userAgent: userAgent, locale: locale}
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.locale != "" && req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", t.locale)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (t *decodingTransport) CloseIdleConnections() {
	if c, ok := t.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// decodedBody closes the decoder and the wire body together.
type decodedBody struct {
	io.Reader
	release func()
	wire    io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	if c, ok := d.Reader.(io.Closer); ok {
		err = c.Close()
	}
	if d.release != nil {
		d.release()
		d.release = nil
	}
	return errors.Join(err, d.wire.Close())
}

// decodeBody unwraps every Content-Encoding layer, last applied first.
func decodeBody(resp *http.Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if resp.Body == nil || len(encodings) == 0 {
		return nil
	}
	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			r       io.Reader
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr := gzipPool.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipPool.Put(zr)
				return fmt.Errorf("decoding gzip body: %w", err)
			}
			r = zr
			release = func() {
				_ = zr.Reset(drained)
				gzipPool.Put(zr)
			}
		case "br":
			br := brotliPool.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliPool.Put(br)
				return fmt.Errorf("decoding brotli body: %w", err)
			}
			r = br
			release = func() {
				_ = br.Reset(drained)
				brotliPool.Put(br)
			}
		case "deflate":
			// Servers send both zlib-wrapped and raw streams under this name.
			peek := bufio.NewReader(resp.Body)
			if hdr, err := peek.Peek(2); err == nil && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
				zr, err := zlib.NewReader(peek)
				if err != nil {
					return fmt.Errorf("decoding deflate body: %w", err)
				}
				r = zr
			} else {
				r = flate.NewReader(peek)
			}
		default:
			return fmt.Errorf("unsupported content encoding %q", enc)
		}
		resp.Body = &decodedBody{Reader: r, release: release, wire: resp.Body}
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
