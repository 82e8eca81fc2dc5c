// internal/engine/cdp/downloads.go
package cdp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/native"
)

// download tracks one file Chromium writes into the staging directory
// under its GUID until the host picks a destination.
type download struct {
	tab      *tab
	guid     string
	url      string
	staged   string
	dest     string
	decided  bool
	finished bool
}

func (e *Engine) downloadWillBegin(ev *browser.EventDownloadWillBegin) {
	t := e.tabByTarget(target.ID(ev.FrameID))
	if t == nil {
		e.cancelDownload(ev.GUID)
		return
	}
	d := &download{
		tab:    t,
		guid:   ev.GUID,
		url:    ev.URL,
		staged: filepath.Join(e.stagingDir, ev.GUID),
	}
	e.mu.Lock()
	e.downloads[ev.GUID] = d
	e.mu.Unlock()

	name := filepath.Base(filepath.Clean("/" + ev.SuggestedFilename))
	if name == string(filepath.Separator) {
		name = "download"
	}
	n := native.BeforeDownload{
		SuggestedName: name,
		URL:           ev.URL,
		Callback:      native.DownloadCallbackFunc(func(path string) { e.decide(ev.GUID, path) }),
	}
	t.post(n, func(handled bool) {
		if handled {
			return
		}
		if e.opts.DownloadDir != "" {
			e.decide(ev.GUID, filepath.Join(e.opts.DownloadDir, name))
			return
		}
		e.decide(ev.GUID, "")
	})
}

// decide records the destination. An empty path cancels the download.
func (e *Engine) decide(guid, path string) {
	e.mu.Lock()
	d := e.downloads[guid]
	if d == nil || d.decided {
		e.mu.Unlock()
		return
	}
	d.decided, d.dest = true, path
	finished := d.finished
	if path == "" {
		delete(e.downloads, guid)
	}
	e.mu.Unlock()

	switch {
	case path == "":
		e.cancelDownload(guid)
		if finished {
			_ = os.Remove(d.staged)
		}
	case finished:
		e.spawn(func() { e.deliver(d) })
	}
}

func (e *Engine) downloadProgress(ev *browser.EventDownloadProgress) {
	e.mu.Lock()
	d := e.downloads[ev.GUID]
	if d == nil {
		e.mu.Unlock()
		return
	}
	switch ev.State {
	case browser.DownloadProgressStateCompleted:
		d.finished = true
		if !d.decided {
			e.mu.Unlock()
			return
		}
	case browser.DownloadProgressStateCanceled:
		delete(e.downloads, ev.GUID)
		e.mu.Unlock()
		d.tab.post(native.DownloadUpdated{URL: d.url, Canceled: true}, nil)
		return
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.spawn(func() { e.deliver(d) })
}

// deliver moves a finished download to its destination.
func (e *Engine) deliver(d *download) {
	e.mu.Lock()
	delete(e.downloads, d.guid)
	e.mu.Unlock()

	if err := moveFile(d.staged, d.dest); err != nil {
		e.logger.Warn("Failed to store download", zap.String("url", d.url), zap.String("path", d.dest), zap.Error(err))
		d.tab.post(native.DownloadUpdated{URL: d.url, FullPath: d.dest, Canceled: true}, nil)
		return
	}
	e.logger.Debug("Download complete", zap.String("url", d.url), zap.String("path", d.dest))
	d.tab.post(native.DownloadUpdated{URL: d.url, FullPath: d.dest, Complete: true}, nil)
}

func (e *Engine) cancelDownload(guid string) {
	if e.rootCtx == nil {
		return
	}
	e.spawn(func() {
		if err := chromedp.Run(e.rootCtx, e.browserAction(browser.CancelDownload(guid))); err != nil {
			e.logger.Debug("Failed to cancel download", zap.String("guid", guid), zap.Error(err))
		}
	})
}

// moveFile renames src to dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening staged download: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating download: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying download: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing download: %w", err)
	}
	return os.Remove(src)
}
