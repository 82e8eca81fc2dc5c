// internal/bridge/requests.go
package bridge

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

// Request is an intercepted page request.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// Response is filled in by a RequestHandler. Status defaults to 200 and
// MimeType to text/plain.
type Response struct {
	Status   int
	MimeType string
	Header   http.Header
	body     bytes.Buffer
}

func (r *Response) Write(p []byte) (int, error)       { return r.body.Write(p) }
func (r *Response) WriteString(s string) (int, error) { return r.body.WriteString(s) }

// RequestHandler serves requests for a host name registered with
// RegisterRequestHandler.
type RequestHandler interface {
	ServeRequest(req *Request, resp *Response)
}

type RequestHandlerFunc func(req *Request, resp *Response)

func (f RequestHandlerFunc) ServeRequest(req *Request, resp *Response) { f(req, resp) }

// RegisterRequestHandler routes page requests for host to h instead of the
// network. Registering nil removes the handler.
func (b *Bridge) RegisterRequestHandler(host string, h RequestHandler) {
	host = strings.ToLower(host)
	if h == nil {
		delete(b.handlers, host)
		b.rt.releaseHost(host, b)
		return
	}
	if b.isDisposed() {
		return
	}
	b.handlers[host] = h
	b.rt.registerHost(host, b)
}

func (b *Bridge) resourceRequest(n native.ResourceRequest) bool {
	u, err := url.Parse(n.URL)
	if err != nil {
		return false
	}
	h, ok := b.handlers[strings.ToLower(u.Hostname())]
	if !ok {
		return false
	}

	req := &Request{URL: n.URL, Method: n.Method, Header: n.Header, Body: n.PostData}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	n.Responder.Respond(b.serve(h, req))
	return true
}

func (b *Bridge) serve(h RequestHandler, req *Request) (out *native.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Request handler panicked",
				zap.String("url", req.URL),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out = &native.Response{
				Status:   http.StatusInternalServerError,
				MimeType: "text/plain",
				Header:   http.Header{},
				Body:     []byte(http.StatusText(http.StatusInternalServerError)),
			}
		}
	}()

	resp := &Response{Status: http.StatusOK, MimeType: "text/plain", Header: http.Header{}}
	h.ServeRequest(req, resp)
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	b.logger.Debug("Served intercepted request",
		zap.String("url", req.URL),
		zap.Int("status", resp.Status),
		zap.String("mime_type", resp.MimeType),
	)
	return &native.Response{
		Status:   resp.Status,
		MimeType: resp.MimeType,
		Header:   resp.Header,
		Body:     bytes.Clone(resp.body.Bytes()),
	}
}

func (rt *Runtime) releaseHost(host string, b *Bridge) {
	set, ok := rt.hosts[host]
	if !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(rt.hosts, host)
		rt.engine.RegisterHTTPHost(host, false)
	}
}
