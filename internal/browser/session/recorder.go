// internal/browser/session/recorder.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/browser/cdp"
)

const (
	postDataFetchTimeout = 10 * time.Second
	bodyFetchTimeout     = 30 * time.Second
	scriptFetchTimeout   = 10 * time.Second

	// Bodies are often not retrievable the instant the response headers
	// arrive, so fetches are retried: 0.1s, 0.2s, ... over seven attempts.
	bodyFetchAttempts = 7
	bodyFetchBackoff  = 100 * time.Millisecond
)

// exchange tracks one request id across redirects and its final response.
type exchange struct {
	resourceType string
	frameID      string
	response     *schemas.NetworkEvent
}

// recorder turns the network and debugger event stream of one session into
// request, response, navigation and script records. It fetches bodies and
// script sources in the background.
type recorder struct {
	ctx       context.Context
	conn      cdp.Commander
	sessionID target.SessionID
	opts      schemas.CaptureOptions
	logger    *zap.Logger

	mu        sync.Mutex
	sealed    bool
	mainFrame string
	exchanges map[string]*exchange
	requests  []*schemas.NetworkEvent
	responses []*schemas.NetworkEvent
	history   []schemas.NavigationStep
	scripts   []*schemas.ScriptSnippet
	seen      map[string]bool

	wg sync.WaitGroup
}

func newRecorder(ctx context.Context, conn cdp.Commander, sessionID target.SessionID, opts schemas.CaptureOptions, logger *zap.Logger) *recorder {
	return &recorder{
		ctx:       ctx,
		conn:      conn,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.Named("recorder"),
		exchanges: make(map[string]*exchange),
		seen:      make(map[string]bool),
	}
}

func (r *recorder) setMainFrame(frameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mainFrame = frameID
}

// handle dispatches one protocol event. Events after seal are ignored.
func (r *recorder) handle(msg *cdp.Message) {
	var err error
	switch msg.Method {
	case cdproto.EventNetworkRequestWillBeSent:
		var ev eventRequestWillBeSent
		if err = msg.Decode(&ev); err == nil {
			r.handleRequestWillBeSent(&ev)
		}
	case cdproto.EventNetworkResponseReceived:
		var ev eventResponseReceived
		if err = msg.Decode(&ev); err == nil {
			r.handleResponseReceived(&ev)
		}
	case cdproto.EventNetworkLoadingFailed:
		var ev eventLoadingFailed
		if err = msg.Decode(&ev); err == nil && !ev.Canceled {
			r.logger.Debug("Request failed.", zap.String("request_id", ev.RequestID), zap.String("error", ev.ErrorText))
		}
	case cdproto.EventDebuggerScriptParsed:
		var ev eventScriptParsed
		if err = msg.Decode(&ev); err == nil {
			r.handleScriptParsed(&ev)
		}
	}
	if err != nil {
		r.logger.Debug("Skipping undecodable event.", zap.String("method", string(msg.Method)), zap.Error(err))
	}
}

func (r *recorder) handleRequestWillBeSent(ev *eventRequestWillBeSent) {
	typ := resourceType(ev.Type)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	if ev.RedirectResponse != nil {
		r.noteHistoryLocked(typ, ev.FrameID, ev.RedirectResponse)
	}
	if r.opts.Ignores(typ) {
		return
	}

	ex, ok := r.exchanges[ev.RequestID]
	if !ok {
		ex = &exchange{resourceType: typ, frameID: ev.FrameID}
		r.exchanges[ev.RequestID] = ex
	}
	// A redirect reuses the request id and carries the previous hop's response.
	if ev.RedirectResponse != nil {
		r.addResponseLocked(ev.RequestID, ex, ev.RedirectResponse, false)
	}

	req := &schemas.NetworkEvent{
		RequestID:    ev.RequestID,
		Direction:    schemas.DirectionRequest,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      flattenHeaders(ev.Request.Headers, false),
		ResourceType: typ,
	}
	if r.opts.Requests {
		req.Body = ev.Request.PostData
		if req.Body == "" && ev.Request.HasPostData {
			r.fetchPostDataLocked(ev.RequestID, req)
		}
	}
	r.requests = append(r.requests, req)
}

func (r *recorder) handleResponseReceived(ev *eventResponseReceived) {
	typ := resourceType(ev.Type)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.noteHistoryLocked(typ, ev.FrameID, &ev.Response)
	if r.opts.Ignores(typ) {
		return
	}

	ex, ok := r.exchanges[ev.RequestID]
	if !ok {
		ex = &exchange{resourceType: typ, frameID: ev.FrameID}
		r.exchanges[ev.RequestID] = ex
	}
	ex.resourceType = typ
	resp := r.addResponseLocked(ev.RequestID, ex, &ev.Response, !ok)
	if r.opts.Responses && !strings.HasPrefix(resp.URL, "data:") {
		r.fetchBodyLocked(ev.RequestID, resp)
	}
}

func (r *recorder) addResponseLocked(requestID string, ex *exchange, p *responsePayload, orphaned bool) *schemas.NetworkEvent {
	headers := flattenHeaders(p.Headers, true)
	resp := &schemas.NetworkEvent{
		RequestID:    requestID,
		Direction:    schemas.DirectionResponse,
		URL:          p.URL,
		Status:       p.Status,
		StatusText:   p.StatusText,
		MimeType:     p.MimeType,
		Headers:      headers,
		ResourceType: ex.resourceType,
		Orphaned:     orphaned,
	}
	if p.Status >= 300 && p.Status < 400 {
		resp.Location = headers["location"]
	}
	ex.response = resp
	r.responses = append(r.responses, resp)
	return resp
}

// noteHistoryLocked records main-frame document responses as navigation
// steps. History does not depend on the ignore list.
func (r *recorder) noteHistoryLocked(typ, frameID string, p *responsePayload) {
	if !strings.EqualFold(typ, string(network.ResourceTypeDocument)) {
		return
	}
	if r.mainFrame != "" && frameID != "" && frameID != r.mainFrame {
		return
	}
	step := schemas.NavigationStep{URL: p.URL, Status: p.Status, MimeType: p.MimeType}
	if p.Status >= 300 && p.Status < 400 {
		step.Location = headerValue(p.Headers, "location")
	}
	r.history = append(r.history, step)
}

func (r *recorder) handleScriptParsed(ev *eventScriptParsed) {
	if !r.opts.JavaScript || ev.ScriptID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed || r.seen[ev.ScriptID] {
		return
	}
	r.seen[ev.ScriptID] = true

	url := ev.URL
	if url == "" {
		url = schemas.InlineScriptURL
	}
	// The slot keeps parse order; the source is filled in when it arrives.
	snippet := &schemas.ScriptSnippet{ScriptID: ev.ScriptID, URL: url}
	r.scripts = append(r.scripts, snippet)
	r.spawnLocked(func() {
		ctx, cancel := context.WithTimeout(r.ctx, scriptFetchTimeout)
		defer cancel()
		var res struct {
			ScriptSource string `json:"scriptSource"`
		}
		err := r.conn.Send(ctx, r.sessionID, cdproto.CommandDebuggerGetScriptSource,
			debugger.GetScriptSource(runtime.ScriptID(ev.ScriptID)), &res)
		if err != nil {
			r.logger.Debug("Failed to fetch script source.", zap.String("script_id", ev.ScriptID), zap.Error(err))
			return
		}
		r.mu.Lock()
		snippet.Text = res.ScriptSource
		r.mu.Unlock()
	})
}

// -- Background Fetching --

// spawnLocked runs fn in a tracked goroutine. Callers hold r.mu, which
// orders every Add before the Wait in seal.
func (r *recorder) spawnLocked(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *recorder) fetchPostDataLocked(requestID string, req *schemas.NetworkEvent) {
	r.spawnLocked(func() {
		ctx, cancel := context.WithTimeout(r.ctx, postDataFetchTimeout)
		defer cancel()
		var res struct {
			PostData string `json:"postData"`
		}
		err := r.conn.Send(ctx, r.sessionID, cdproto.CommandNetworkGetRequestPostData,
			network.GetRequestPostData(network.RequestID(requestID)), &res)
		if err != nil {
			r.logger.Debug("Failed to fetch request post data.", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		r.mu.Lock()
		req.Body = res.PostData
		r.mu.Unlock()
	})
}

func (r *recorder) fetchBodyLocked(requestID string, resp *schemas.NetworkEvent) {
	r.spawnLocked(func() {
		ctx, cancel := context.WithTimeout(r.ctx, bodyFetchTimeout)
		defer cancel()
		var res struct {
			Body          string `json:"body"`
			Base64Encoded bool   `json:"base64Encoded"`
		}
		err := withRetry(ctx, bodyFetchAttempts, bodyFetchBackoff, func() error {
			return r.conn.Send(ctx, r.sessionID, cdproto.CommandNetworkGetResponseBody,
				network.GetResponseBody(network.RequestID(requestID)), &res)
		})
		if err != nil {
			r.logger.Debug("Failed to fetch response body.", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		r.mu.Lock()
		resp.Body = res.Body
		r.mu.Unlock()
	})
}

// withRetry retries fn with doubling backoff. Connection loss and
// cancellation end the loop immediately.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, cdp.ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		backoff *= 2
	}
	return err
}

// seal stops recording and waits for background fetches, bounded by ctx.
func (r *recorder) seal(ctx context.Context) error {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("body and script fetches incomplete: %w", ctx.Err())
	}
}

// snapshot copies the records collected so far.
func (r *recorder) snapshot() (requests, responses []schemas.NetworkEvent, history []schemas.NavigationStep, scripts []schemas.ScriptSnippet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requests = make([]schemas.NetworkEvent, 0, len(r.requests))
	for _, ev := range r.requests {
		requests = append(requests, *ev)
	}
	responses = make([]schemas.NetworkEvent, 0, len(r.responses))
	for _, ev := range r.responses {
		responses = append(responses, *ev)
	}
	history = append([]schemas.NavigationStep(nil), r.history...)
	for _, s := range r.scripts {
		if s.Text != "" {
			scripts = append(scripts, *s)
		}
	}
	return requests, responses, history, scripts
}

func headerValue(h map[string]interface{}, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func resourceType(t string) string {
	if t == "" {
		return string(network.ResourceTypeOther)
	}
	return t
}

// flattenHeaders renders header values as strings, optionally lowercasing names.
func flattenHeaders(h map[string]interface{}, lower bool) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if lower {
			k = strings.ToLower(k)
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
