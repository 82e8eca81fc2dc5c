// internal/bridge/cookies.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xkilldash9x/browserhost/internal/native"
)

// SetCookie stores a cookie given as a Set-Cookie header value for url.
// Max-Age takes precedence over Expires.
func (rt *Runtime) SetCookie(url, header string) error {
	c, err := http.ParseSetCookie(header)
	if err != nil {
		return fmt.Errorf("parsing cookie %q: %w", header, err)
	}
	nc := native.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		Expires:  c.Expires,
	}
	switch {
	case c.MaxAge > 0:
		nc.Expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
	case c.MaxAge < 0:
		// Max-Age=0 expires the cookie now.
		nc.Expires = time.Unix(0, 0)
	}
	if !rt.engine.SetCookie(url, nc) {
		return fmt.Errorf("engine refused cookie %q for %s", c.Name, url)
	}
	return nil
}

// GetCookie returns the value of the cookie called name visible to url. The
// engine may visit cookies asynchronously; GetCookie pumps the host loop for
// at most the configured cookie timeout and reports false when nothing
// matched by then.
func (rt *Runtime) GetCookie(ctx context.Context, url, name string) (string, bool, error) {
	var (
		value string
		found bool
	)
	visitor := native.CookieVisitorFunc(func(c native.Cookie) bool {
		if c.Name != name {
			return true
		}
		v := c.Value
		rt.loop.Post(func() {
			if !found {
				value, found = v, true
			}
		})
		return false
	})
	if !rt.engine.VisitCookies(url, visitor) {
		return "", false, fmt.Errorf("engine refused to visit cookies for %s", url)
	}

	ctx, cancel := context.WithTimeout(ctx, rt.opts.CookieTimeout)
	defer cancel()
	err := rt.loop.RunUntil(ctx, func() bool { return found })
	switch {
	case found:
		return value, true, nil
	case errors.Is(err, context.DeadlineExceeded):
		return "", false, nil
	default:
		return "", false, err
	}
}

// ClearSessions deletes every cookie.
func (rt *Runtime) ClearSessions() {
	rt.engine.DeleteCookies()
}
