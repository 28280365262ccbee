// File: internal/network/compression.go
package network

import (
	"bytes"
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

// AcceptEncoding is advertised on requests that do not set their own.
const AcceptEncoding = "gzip, deflate, br"

var (
	gzipReaderPool = sync.Pool{New: func() interface{} { return new(gzip.Reader) }}
	// brotli.NewReader(nil) yields a reader that is usable after Reset.
	brotliReaderPool = sync.Pool{New: func() interface{} { return brotli.NewReader(nil) }}
)

// decoder wraps r with a decompressor. release, when non-nil, returns pooled
// state and must be called exactly once after the reader is closed.
type decoder func(r io.Reader) (rc io.ReadCloser, release func(), err error)

var decoders = map[string]decoder{
	"gzip":   decodeGzip,
	"x-gzip": decodeGzip,
	"br":     decodeBrotli,
	"deflate": func(r io.Reader) (io.ReadCloser, func(), error) {
		rc, err := decodeDeflate(r)
		return rc, nil, err
	},
}

func decodeGzip(r io.Reader) (io.ReadCloser, func(), error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, nil, err
	}
	return zr, func() { gzipReaderPool.Put(zr) }, nil
}

func decodeBrotli(r io.Reader) (io.ReadCloser, func(), error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, nil, err
	}
	return io.NopCloser(br), func() {
		_ = br.Reset(strings.NewReader(""))
		brotliReaderPool.Put(br)
	}, nil
}

// decodeDeflate accepts both zlib-wrapped and raw deflate streams, since
// servers disagree about what "deflate" means.
func decodeDeflate(r io.Reader) (io.ReadCloser, error) {
	var head bytes.Buffer
	zr, err := zlib.NewReader(io.TeeReader(r, &head))
	if err == nil {
		return zr, nil
	}
	return flate.NewReader(io.MultiReader(bytes.NewReader(head.Bytes()), r)), nil
}

// decodedBody closes the decompressor, the original body, and releases any
// pooled reader.
type decodedBody struct {
	io.ReadCloser
	original io.ReadCloser
	release  func()
}

func (b *decodedBody) Close() error {
	err := errors.Join(b.ReadCloser.Close(), b.original.Close())
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return err
}

// CompressionMiddleware is an http.RoundTripper that negotiates compression
// and transparently decodes gzip, deflate and brotli bodies.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// DecompressResponse wraps resp.Body according to Content-Encoding. Layered
// encodings are undone in reverse order. On success the encoding and length
// headers are removed and resp.Uncompressed is set.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	// A single header value may itself list several codings.
	var layers []string
	for _, v := range encodings {
		for _, part := range strings.Split(v, ",") {
			layers = append(layers, strings.ToLower(strings.TrimSpace(part)))
		}
	}

	for i := len(layers) - 1; i >= 0; i-- {
		enc := layers[i]
		if enc == "" || enc == "identity" {
			continue
		}
		dec, ok := decoders[enc]
		if !ok {
			return fmt.Errorf("unsupported Content-Encoding %q", enc)
		}
		rc, release, err := dec(resp.Body)
		if err != nil {
			return fmt.Errorf("%s initialization error: %w", enc, err)
		}
		resp.Body = &decodedBody{ReadCloser: rc, original: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
