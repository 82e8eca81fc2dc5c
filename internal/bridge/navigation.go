// internal/bridge/navigation.go
package bridge

import (
	"encoding/base64"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	dataTextURL   = "data:text/html;base64,"
	setTextMarker = "swt.chromium.setText."
	headerJoin    = "::"
)

// plainURL hides the transport form of content loaded through SetText.
func plainURL(u string) string {
	if strings.HasPrefix(u, dataTextURL) {
		return u[:len(dataTextURL)-len(";base64,")]
	}
	if strings.HasPrefix(u, "file:/") && strings.Contains(u, setTextMarker) {
		return aboutBlank
	}
	return u
}

// SetURL navigates to u. Before the native browser exists the request is
// kept and replayed once it does. Headers are "Name: value" lines. It
// reports false once the browser is disposed.
func (b *Bridge) SetURL(u, postData string, headers []string) bool {
	if b.isDisposed() {
		return false
	}
	b.url = u
	b.postData = postData
	b.headers = headers
	b.jsEnabled = b.jsEnabledOnNextPage
	if b.id != 0 {
		b.rearmLoaded()
		b.progress.Then(b.load)
	}
	return true
}

// Navigate is SetURL.
func (b *Bridge) Navigate(u, postData string, headers []string) bool {
	return b.SetURL(u, postData, headers)
}

func (b *Bridge) load() {
	if b.id == 0 || b.isDisposed() {
		return
	}
	var body []byte
	if b.postData != "" {
		body = asciiBytes(b.postData)
	}
	b.rt.engine.LoadURL(b.id, b.url, body, strings.Join(b.headers, headerJoin), len(b.headers))
}

// asciiBytes encodes s as US-ASCII, replacing anything outside it with '?'.
func asciiBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0x7f {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// SetText shows html. Markup that refers to file: resources is written to a
// temporary file, since data URLs cannot reach them.
func (b *Bridge) SetText(html string, trusted bool) bool {
	if b.isDisposed() {
		return false
	}
	if strings.Contains(html, "file:/") {
		u, err := b.rt.writeTextFile(html)
		if err == nil {
			return b.SetURL(u, "", nil)
		}
		b.logger.Warn("Falling back to a data URL for page text", zap.Error(err))
	}
	return b.SetURL(dataTextURL+base64.StdEncoding.EncodeToString([]byte(html)), "", nil)
}

func (rt *Runtime) writeTextFile(html string) (string, error) {
	f, err := os.CreateTemp("", setTextMarker+"*.html")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(html); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	rt.tempFiles = append(rt.tempFiles, f.Name())

	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (rt *Runtime) removeTempFiles() {
	for _, name := range rt.tempFiles {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			rt.logger.Debug("Failed to remove page text file", zap.String("path", name), zap.Error(err))
		}
	}
	rt.tempFiles = nil
}

// GetURL reports the current location. Content set through SetText is
// reported as data:text/html or about:blank.
func (b *Bridge) GetURL() string {
	if b.id == 0 {
		if b.url == "" {
			return aboutBlank
		}
		return plainURL(b.url)
	}
	if u := b.rt.engine.GetURL(b.id); u != "" {
		return plainURL(u)
	}
	return plainURL(b.url)
}

// Back navigates back when history allows it.
func (b *Bridge) Back() bool {
	if !b.canGoBack || b.id == 0 || b.isDisposed() {
		return false
	}
	b.rt.engine.GoBack(b.id)
	return true
}

// Forward navigates forward when history allows it.
func (b *Bridge) Forward() bool {
	if !b.canGoForward || b.id == 0 || b.isDisposed() {
		return false
	}
	b.rt.engine.GoForward(b.id)
	return true
}

func (b *Bridge) IsBackEnabled() bool    { return b.canGoBack }
func (b *Bridge) IsForwardEnabled() bool { return b.canGoForward }

func (b *Bridge) Stop() {
	if b.id != 0 && !b.isDisposed() {
		b.rt.engine.Stop(b.id)
	}
}

// Refresh reloads the page, applying a pending JavaScript setting.
func (b *Bridge) Refresh() {
	if b.isDisposed() {
		return
	}
	b.jsEnabled = b.jsEnabledOnNextPage
	if b.id != 0 {
		b.rt.engine.Reload(b.id)
	}
}

// SetJavascriptEnabled takes effect on the next page load.
func (b *Bridge) SetJavascriptEnabled(enabled bool) {
	b.jsEnabledOnNextPage = enabled
}

// JavascriptEnabled reports whether scripting is on for the current page.
func (b *Bridge) JavascriptEnabled() bool { return b.jsEnabled }
