// internal/engine/cdp/options.go
package cdp

import (
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// DefaultStartTimeout bounds the browser launch.
const DefaultStartTimeout = 60 * time.Second

// Options configures the Chromium engine.
type Options struct {
	Logger   *zap.Logger
	ExecPath string
	Headless bool
	// DebugPort pins the remote debugging port. Zero picks a free one.
	DebugPort int
	Args      []string

	// UserAgentProduct is appended to the browser's own user agent.
	UserAgentProduct string
	Locale           string
	LogPath          string
	LogSeverity      string

	// DownloadDir receives downloads nobody claimed. Empty discards them.
	DownloadDir  string
	StartTimeout time.Duration
}

// allocatorOptions translates Options into chromedp allocator options.
func allocatorOptions(o Options) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !o.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.DebugPort > 0 {
		opts = append(opts, chromedp.Flag("remote-debugging-port", strconv.Itoa(o.DebugPort)))
	}
	if o.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", o.Locale))
	}
	if o.LogPath != "" {
		if level, verbose, ok := logLevel(o.LogSeverity); ok {
			opts = append(opts,
				chromedp.Flag("enable-logging", "file"),
				chromedp.Flag("log-file", o.LogPath),
				chromedp.Flag("log-level", level),
			)
			if verbose {
				opts = append(opts, chromedp.Flag("v", "1"))
			}
		}
	}
	for _, arg := range o.Args {
		if name, value, ok := argFlag(arg); ok {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

// argFlag splits a command line switch such as "--proxy-server=x" or
// "no-zygote" into a chromedp flag.
func argFlag(arg string) (string, any, bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil, false
	}
	name, value, found := strings.Cut(arg, "=")
	if !found {
		return name, true, true
	}
	return name, value, true
}

// logLevel maps a severity name onto Chromium's --log-level. Disable turns
// file logging off.
func logLevel(severity string) (level string, verbose, ok bool) {
	switch strings.ToLower(severity) {
	case "disable":
		return "", false, false
	case "verbose":
		return "0", true, true
	case "warning":
		return "1", false, true
	case "error":
		return "2", false, true
	case "fatal":
		return "3", false, true
	default:
		return "0", false, true
	}
}
