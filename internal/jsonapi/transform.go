package jsonapi

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/metrics"
	"github.com/portcullis/gateway/internal/middleware"
)

// Transformer rewrites JSON:API responses: attribute filtering by field
// policy, and compound-document assembly from the include cache.
type Transformer struct {
	authz     *authz.Cache
	resolver  *Resolver
	sizeLimit atomic.Int64
}

// NewTransformer creates the response transformer.
func NewTransformer(authzCache *authz.Cache, resolver *Resolver, cfg config.TransformConfig) *Transformer {
	t := &Transformer{
		authz:    authzCache,
		resolver: resolver,
	}
	t.SetSizeLimit(cfg.ResponseSizeLimit)
	return t
}

// SetSizeLimit swaps the buffered-response limit, used by config hot reload.
// A non-positive limit restores the default.
func (t *Transformer) SetSizeLimit(limit int64) {
	if limit <= 0 {
		limit = 10 << 20
	}
	t.sizeLimit.Store(limit)
}

// bufferWriter captures the upstream response up to a size limit. Once the
// limit is crossed it flushes what it holds and degrades to passthrough.
type bufferWriter struct {
	rw     http.ResponseWriter
	header http.Header
	body   bytes.Buffer
	status int
	limit  int64

	passthrough bool
	headerSent  bool
}

func newBufferWriter(rw http.ResponseWriter, limit int64) *bufferWriter {
	return &bufferWriter{
		rw:     rw,
		header: make(http.Header),
		status: http.StatusOK,
		limit:  limit,
	}
}

func (bw *bufferWriter) Header() http.Header {
	if bw.passthrough {
		return bw.rw.Header()
	}
	return bw.header
}

func (bw *bufferWriter) WriteHeader(code int) {
	if bw.passthrough {
		if !bw.headerSent {
			bw.headerSent = true
			bw.rw.WriteHeader(code)
		}
		return
	}
	bw.status = code
}

func (bw *bufferWriter) Write(b []byte) (int, error) {
	if bw.passthrough {
		return bw.rw.Write(b)
	}
	if int64(bw.body.Len())+int64(len(b)) > bw.limit {
		bw.flipToPassthrough()
		return bw.rw.Write(b)
	}
	return bw.body.Write(b)
}

// flipToPassthrough forwards the captured prefix and routes every later write
// straight to the client.
func (bw *bufferWriter) flipToPassthrough() {
	metrics.Degraded("transform")
	logging.Warn("response exceeds transform size limit, passing through",
		zap.Int64("limit", bw.limit))
	copyHeader(bw.rw.Header(), bw.header)
	bw.rw.WriteHeader(bw.status)
	bw.rw.Write(bw.body.Bytes())
	bw.body.Reset()
	bw.passthrough = true
	bw.headerSent = true
}

// flush writes the (possibly rewritten) buffered response to the client.
func (bw *bufferWriter) flush(body []byte) {
	copyHeader(bw.rw.Header(), bw.header)
	bw.rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	bw.rw.WriteHeader(bw.status)
	bw.rw.Write(body)
}

// copyHeader replaces dst's values for every key in src. The real writer may
// already carry the security header set; replacing keeps each header
// single-valued when the buffer is flushed over it.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
}

// Middleware buffers and rewrites upstream responses. It activates only when
// the request asks for includes or the matched collection carries field
// policies; everything else streams through untouched.
func (t *Transformer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := exchange.FromRequest(r)
			if ex == nil || ex.Route == nil {
				next.ServeHTTP(w, r)
				return
			}

			includeNames := ParseIncludeParam(r.URL.Query().Get("include"))
			policies := t.authz.FieldPoliciesFor(ex.Route.CollectionName)
			if len(includeNames) == 0 && len(policies) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			bw := newBufferWriter(w, t.sizeLimit.Load())
			next.ServeHTTP(bw, r)
			if bw.passthrough {
				return
			}

			body := bw.body.Bytes()
			if !transformable(bw.status, bw.header.Get("Content-Type")) || len(body) == 0 {
				bw.flush(body)
				return
			}

			var roles []string
			if ex.Principal != nil {
				roles = ex.Principal.Roles
			}

			rewritten, ok := t.rewrite(r, bw, body, policies, roles, includeNames)
			if !ok {
				bw.flush(body)
				return
			}
			bw.flush(rewritten)
		})
	}
}

// rewrite decodes, transforms and re-encodes the buffered body. A false
// return means serve the original bytes.
func (t *Transformer) rewrite(r *http.Request, bw *bufferWriter, body []byte, policies []authz.FieldPolicy, roles, includeNames []string) ([]byte, bool) {
	gzipped := strings.EqualFold(bw.header.Get("Content-Encoding"), "gzip")
	payload := body
	if gzipped {
		var err error
		if payload, err = gunzip(body); err != nil {
			logging.Warn("transform skipped, undecodable gzip body", zap.Error(err))
			return nil, false
		}
	}

	doc, err := ParseDocument(payload)
	if err != nil {
		logging.Debug("transform skipped, body is not a JSON:API document", zap.Error(err))
		return nil, false
	}

	t.FilterFields(doc, policies, roles)
	if len(includeNames) > 0 {
		t.resolver.Resolve(r.Context(), doc, includeNames)
	}
	doc.DropOrphanIncluded()

	out, err := doc.Marshal()
	if err != nil {
		logging.Warn("transform failed to re-serialize document", zap.Error(err))
		return nil, false
	}

	if gzipped {
		// The rewritten body goes out uncompressed.
		bw.header.Del("Content-Encoding")
	}
	return out, true
}

// FilterFields removes attributes the roles may not see, uniformly across
// primary and included resources. Applying it twice is a no-op.
func (t *Transformer) FilterFields(doc *Document, policies []authz.FieldPolicy, roles []string) {
	if len(policies) == 0 {
		return
	}
	filter := func(resources []*ResourceObject) {
		for _, ro := range resources {
			for name := range ro.Attributes {
				if !authz.FieldVisible(policies, name, roles) {
					ro.RemoveAttribute(name)
				}
			}
		}
	}
	filter(doc.Data)
	filter(doc.Included)
}

// transformable restricts rewriting to successful JSON responses.
func transformable(status int, contentType string) bool {
	if status < 200 || status >= 300 {
		return false
	}
	mediaType := contentType
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/vnd.api+json" || mediaType == "application/json"
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
