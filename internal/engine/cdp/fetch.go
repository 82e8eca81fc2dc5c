// internal/engine/cdp/fetch.go
package cdp

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/native"
)

// requestPaused routes a request held by the Fetch domain. Main frame
// documents are offered to BeforeBrowse first; requests for registered
// hosts become ResourceRequests; everything else continues untouched.
func (t *tab) requestPaused(ev *fetch.EventRequestPaused) {
	if ev.Request == nil {
		t.async(fetch.ContinueRequest(ev.RequestID))
		return
	}
	host, _ := hostPort(ev.Request.URL)
	intercepted := t.e.intercepted(host)

	if ev.ResourceType != network.ResourceTypeDocument || !t.mainFrame(ev.FrameID) {
		if intercepted {
			t.offer(ev, nil)
			return
		}
		t.async(fetch.ContinueRequest(ev.RequestID))
		return
	}

	var override *navigation
	if ev.RedirectedRequestID == "" {
		override = t.takeOverride()
	}
	n := native.BeforeBrowse{
		URL:       ev.Request.URL,
		MainFrame: true,
		Redirect:  ev.RedirectedRequestID != "",
	}
	t.post(n, func(cancel bool) {
		if cancel {
			t.async(fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted))
			return
		}
		if intercepted {
			t.offer(ev, override)
			return
		}
		t.forward(ev, override)
	})
}

// forward lets the request go to the network, applying the post data and
// headers of a LoadURL call.
func (t *tab) forward(ev *fetch.EventRequestPaused, override *navigation) {
	cont := fetch.ContinueRequest(ev.RequestID)
	if override != nil {
		if len(override.body) > 0 {
			cont = cont.
				WithMethod(http.MethodPost).
				WithPostData(base64.StdEncoding.EncodeToString(override.body))
		}
		if len(override.header) > 0 {
			header := httpHeader(ev.Request.Headers)
			for name, values := range override.header {
				header[http.CanonicalHeaderKey(name)] = values
			}
			cont = cont.WithHeaders(headerEntries(header))
		}
	}
	t.async(cont)
}

// offer hands the request to the host. Unanswered requests go to the
// network.
func (t *tab) offer(ev *fetch.EventRequestPaused, override *navigation) {
	req := ev.Request
	n := native.ResourceRequest{
		URL:      req.URL,
		Method:   req.Method,
		Header:   httpHeader(req.Headers),
		PostData: postData(req),
	}
	if override != nil {
		if len(override.body) > 0 {
			n.Method, n.PostData = http.MethodPost, override.body
		}
		for name, values := range override.header {
			n.Header[http.CanonicalHeaderKey(name)] = values
		}
	}

	var once sync.Once
	n.Responder = native.ResponderFunc(func(r *native.Response) {
		once.Do(func() { t.fulfill(ev.RequestID, r) })
	})
	t.post(n, func(handled bool) {
		if !handled {
			t.forward(ev, override)
		}
	})
}

func (t *tab) fulfill(id fetch.RequestID, r *native.Response) {
	if r == nil {
		t.async(fetch.FailRequest(id, network.ErrorReasonFailed))
		return
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if r.MimeType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", r.MimeType)
	}
	t.async(fetch.FulfillRequest(id, int64(status)).
		WithResponseHeaders(headerEntries(header)).
		WithBody(base64.StdEncoding.EncodeToString(r.Body)))
}

func postData(req *network.Request) []byte {
	var body []byte
	for _, entry := range req.PostDataEntries {
		if entry == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		body = append(body, data...)
	}
	return body
}

// -- authentication --

func (t *tab) authRequired(ev *fetch.EventAuthRequired) {
	answer := &authAnswer{t: t, id: ev.RequestID}
	if ev.AuthChallenge == nil || ev.Request == nil {
		answer.Cancel()
		return
	}
	challenge := ev.AuthChallenge
	host, port := hostPort(ev.Request.URL)
	if challenge.Source == fetch.AuthChallengeSourceProxy {
		host, port = hostPort(challenge.Origin)
	}
	n := native.AuthCredentials{
		OriginURL: challenge.Origin,
		Proxy:     challenge.Source == fetch.AuthChallengeSourceProxy,
		Host:      host,
		Port:      port,
		Realm:     challenge.Realm,
		Scheme:    strings.ToLower(challenge.Scheme),
		Callback:  answer,
	}
	t.post(n, func(handled bool) {
		if !handled {
			answer.Cancel()
		}
	})
}

// authAnswer completes one AuthRequired event.
type authAnswer struct {
	t    *tab
	id   fetch.RequestID
	once sync.Once
}

func (a *authAnswer) Continue(user, password string) {
	a.respond(&fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseProvideCredentials,
		Username: user,
		Password: password,
	})
}

func (a *authAnswer) Cancel() {
	a.respond(&fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth})
}

func (a *authAnswer) respond(r *fetch.AuthChallengeResponse) {
	a.once.Do(func() {
		a.t.logger.Debug("Answering authentication challenge", zap.String("response", r.Response.String()))
		a.t.async(fetch.ContinueWithAuth(a.id, r))
	})
}
