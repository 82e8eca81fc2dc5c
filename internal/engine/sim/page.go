// internal/engine/sim/page.go
package sim

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/browserhost/internal/native"
)

const maxDocumentSize = 10 << 20

// document is a loaded main frame resource.
type document struct {
	url  string
	html string
}

// fetch resolves nav to a document. Served pages win over intercepted hosts,
// which win over the network.
func (b *browser) fetch(seq uint64, nav navigation) {
	u, err := url.Parse(nav.url)
	if err != nil {
		b.commit(seq, nav, errorDocument(nav.url, err))
		return
	}

	switch u.Scheme {
	case "about":
		b.commit(seq, nav, document{url: nav.url})
		return
	case "data":
		src, err := decodeDataURL(nav.url)
		if err != nil {
			b.commit(seq, nav, errorDocument(nav.url, err))
			return
		}
		b.commit(seq, nav, document{url: nav.url, html: src})
		return
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			b.commit(seq, nav, errorDocument(nav.url, err))
			return
		}
		b.commit(seq, nav, document{url: nav.url, html: string(data)})
		return
	}

	if src, ok := b.e.page(nav.url); ok {
		b.commit(seq, nav, document{url: nav.url, html: src})
		return
	}
	if b.e.intercepted(u.Hostname()) {
		b.intercept(seq, nav)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		b.commit(seq, nav, errorDocument(nav.url, fmt.Errorf("unsupported scheme %q", u.Scheme)))
		return
	}
	go b.load(seq, nav, nil)
}

// intercept offers the request to the host's request handlers. Requests the
// host declines go to the network.
func (b *browser) intercept(seq uint64, nav navigation) {
	method := nav.method
	if method == "" {
		method = http.MethodGet
	}
	responder := native.ResponderFunc(func(r *native.Response) {
		if name, ok := attachment(r.Header, nav.url); ok {
			b.offerDownload(seq, nav.url, name, r.Body)
			return
		}
		b.commit(seq, nav, document{url: nav.url, html: string(r.Body)})
	})
	b.post(native.ResourceRequest{
		URL:       nav.url,
		Method:    method,
		Header:    nav.header.Clone(),
		PostData:  nav.body,
		Responder: responder,
	}, func(handled bool) {
		if !handled {
			go b.load(seq, nav, nil)
		}
	})
}

// load fetches nav over the network. It runs on its own goroutine.
func (b *browser) load(seq uint64, nav navigation, creds *url.Userinfo) {
	method := nav.method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(b.ctx, method, nav.url, bytes.NewReader(nav.body))
	if err != nil {
		b.commit(seq, nav, errorDocument(nav.url, err))
		return
	}
	for name, values := range nav.header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if creds != nil {
		password, _ := creds.Password()
		req.SetBasicAuth(creds.Username(), password)
	}

	resp, err := b.e.client.Do(req)
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn("Page load failed", zap.String("url", nav.url), zap.Error(err))
		b.commit(seq, nav, errorDocument(nav.url, err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		b.commit(seq, nav, errorDocument(nav.url, err))
		return
	}
	final := resp.Request.URL.String()

	if resp.StatusCode == http.StatusUnauthorized && creds == nil {
		if scheme, realm, ok := challenge(resp.Header.Get("WWW-Authenticate")); ok {
			b.authenticate(seq, nav, resp.Request.URL, scheme, realm, document{url: final, html: string(body)})
			return
		}
	}
	if name, ok := attachment(resp.Header, final); ok {
		b.offerDownload(seq, final, name, body)
		return
	}
	b.commit(seq, nav, document{url: final, html: string(body)})
}

// -- authentication --

type authAnswer struct {
	b      *browser
	seq    uint64
	nav    navigation
	denied document
	once   sync.Once
}

func (a *authAnswer) Continue(user, password string) {
	a.once.Do(func() {
		go a.b.load(a.seq, a.nav, url.UserPassword(user, password))
	})
}

func (a *authAnswer) Cancel() {
	a.once.Do(func() {
		a.b.commit(a.seq, a.nav, a.denied)
	})
}

func (b *browser) authenticate(seq uint64, nav navigation, u *url.URL, scheme, realm string, denied document) {
	port, _ := strconv.Atoi(u.Port())
	answer := &authAnswer{b: b, seq: seq, nav: nav, denied: denied}
	b.post(native.AuthCredentials{
		OriginURL: u.String(),
		Host:      u.Hostname(),
		Port:      port,
		Realm:     realm,
		Scheme:    scheme,
		Callback:  answer,
	}, func(handled bool) {
		if !handled {
			answer.Cancel()
		}
	})
}

// challenge parses a WWW-Authenticate header such as `Basic realm="x"`.
func challenge(header string) (scheme, realm string, ok bool) {
	scheme, params, found := strings.Cut(strings.TrimSpace(header), " ")
	if scheme == "" {
		return "", "", false
	}
	if found {
		for _, p := range strings.Split(params, ",") {
			k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
			if strings.EqualFold(k, "realm") {
				realm = strings.Trim(v, `"`)
			}
		}
	}
	return strings.ToLower(scheme), realm, true
}

// -- downloads --

func attachment(h http.Header, rawURL string) (string, bool) {
	disposition, params, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	if err != nil || disposition != "attachment" {
		return "", false
	}
	name := params["filename"]
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	return filepath.Base(name), true
}

// offerDownload hands a download to the host instead of committing a page.
// Unclaimed downloads go to the configured download directory.
func (b *browser) offerDownload(seq uint64, rawURL, name string, data []byte) {
	accept := native.DownloadCallbackFunc(func(dest string) {
		go b.save(rawURL, dest, data)
	})
	b.post(native.BeforeDownload{SuggestedName: name, URL: rawURL, Callback: accept}, func(handled bool) {
		if handled {
			return
		}
		if dir := b.e.opts.DownloadDir; dir != "" {
			go b.save(rawURL, filepath.Join(dir, name), data)
			return
		}
		b.logger.Info("Download dropped", zap.String("url", rawURL), zap.String("name", name))
	})
	b.finish(seq)
}

func (b *browser) save(rawURL, dest string, data []byte) {
	err := os.MkdirAll(filepath.Dir(dest), 0o755)
	if err == nil {
		err = os.WriteFile(dest, data, 0o644)
	}
	if err != nil {
		b.logger.Warn("Download failed", zap.String("url", rawURL), zap.String("path", dest), zap.Error(err))
	}
	b.post(native.DownloadUpdated{URL: rawURL, FullPath: dest, Complete: err == nil, Canceled: err != nil}, nil)
}

// -- committing --

func (b *browser) commit(seq uint64, nav navigation, doc document) {
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		b.commitOnLoop(vm, seq, nav, doc)
	})
}

// commitOnLoop makes doc the current page and runs its inline scripts.
func (b *browser) commitOnLoop(vm *goja.Runtime, seq uint64, nav navigation, doc document) {
	target := doc.url
	if target == "" {
		target = nav.url
	}
	root, perr := htmlquery.Parse(strings.NewReader(doc.html))
	title := ""
	if perr == nil {
		if n := htmlquery.FindOne(root, "//title"); n != nil {
			title = strings.TrimSpace(htmlquery.InnerText(n))
		}
	}

	b.mu.Lock()
	if seq != b.navSeq || b.closing {
		b.mu.Unlock()
		return
	}
	b.url = target
	b.html = doc.html
	b.title = title
	if nav.historyIndex >= 0 && nav.historyIndex < len(b.history) {
		b.index = nav.historyIndex
		b.history[b.index] = target
	} else {
		b.history = append(b.history[:b.index+1], target)
		b.index = len(b.history) - 1
	}
	functions := make(map[string]int, len(b.functions))
	for name, index := range b.functions {
		functions[name] = index
	}
	b.mu.Unlock()

	b.post(native.AddressChange{URL: target, MainFrame: true}, nil)
	if title == "" {
		title = target
	}
	b.post(native.TitleChange{Title: title}, nil)

	b.resetPage(vm, functions)
	if b.scripting && perr == nil {
		b.runScripts(vm, root)
	}
	b.finish(seq)
}

func (b *browser) runScripts(vm *goja.Runtime, root *html.Node) {
	for _, n := range htmlquery.Find(root, "//script") {
		if src := htmlquery.SelectAttr(n, "src"); src != "" {
			b.logger.Debug("Skipping external script", zap.String("src", src))
			continue
		}
		switch strings.ToLower(htmlquery.SelectAttr(n, "type")) {
		case "", "text/javascript", "application/javascript":
		default:
			continue
		}
		if _, err := vm.RunString(htmlquery.InnerText(n)); err != nil {
			b.reportError(err)
			if !b.alive() {
				return
			}
		}
	}
}

func errorDocument(rawURL string, err error) document {
	body := "<html><head><title>Page not available</title></head><body><p>" +
		html.EscapeString(err.Error()) + "</p></body></html>"
	return document{url: rawURL, html: body}
}

// decodeDataURL returns the payload of a data: URL.
func decodeDataURL(raw string) (string, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return "", fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			unescaped = data
		}
		out, err := base64.StdEncoding.DecodeString(unescaped)
		if err != nil {
			return "", fmt.Errorf("decoding data URL: %w", err)
		}
		return string(out), nil
	}
	out, err := url.PathUnescape(data)
	if err != nil {
		return "", fmt.Errorf("decoding data URL: %w", err)
	}
	return out, nil
}
