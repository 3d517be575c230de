// internal/browser/session/session.go
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/browser/cdp"
	"github.com/xkilldash9x/pagecap/internal/observability"
)

var (
	// ErrNavigationTimeout means the load event did not fire in time. The
	// session stays usable and whatever was recorded can still be collected.
	ErrNavigationTimeout = errors.New("navigation timed out waiting for the load event")
	// ErrNavigationFailed carries the browser's errorText for a navigation
	// that never produced a document.
	ErrNavigationFailed = errors.New("navigation failed")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

const (
	// Buffer sizes for Network.enable when bodies are requested, so the
	// browser keeps them around long enough for getResponseBody.
	maxTotalBufferSize    = 200 << 20
	maxResourceBufferSize = 100 << 20

	blankPage = "about:blank"
)

// Options configures a single session.
type Options struct {
	Capture schemas.CaptureOptions
	// FocusLock, when set, serializes target activation and screenshot
	// capture across sessions sharing one browser.
	FocusLock sync.Locker
}

// Session owns one isolated browser context with a single page target. It
// is driven by exactly one capture and never reused.
type Session struct {
	conn   cdp.Commander
	opts   Options
	logger *zap.Logger

	browserContextID cdptypes.BrowserContextID
	targetID         target.ID
	sessionID        target.SessionID

	ctx    context.Context
	cancel context.CancelFunc

	sub       *cdp.Subscription
	rec       *recorder
	recording atomic.Bool
	loopDone  chan struct{}

	// Load tracking. A load event belongs to the main-frame document most
	// recently reported by Page.frameNavigated.
	loadMu     sync.Mutex
	mainLoader string
	loadedDocs map[string]bool
	loads      int
	loadSignal chan struct{}

	counted   bool
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Open creates a fresh browser context and page, attaches to it and enables
// the domains the capture options need. On failure everything opened so far
// is released before returning.
func Open(ctx context.Context, conn cdp.Commander, opts Options, logger *zap.Logger) (s *Session, err error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	s = &Session{
		conn:       conn,
		opts:       opts,
		logger:     logger.Named("session"),
		ctx:        sessCtx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		loadedDocs: make(map[string]bool),
		loadSignal: make(chan struct{}, 1),
	}
	defer func() {
		if err != nil {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			if cerr := s.Close(closeCtx); cerr != nil {
				s.logger.Debug("Cleanup after failed open was incomplete.", zap.Error(cerr))
			}
			s = nil
		}
	}()
	// Close waits for the loop; until it starts, treat it as finished.
	loopStarted := false
	defer func() {
		if !loopStarted {
			close(s.loopDone)
		}
	}()

	var created struct {
		BrowserContextID cdptypes.BrowserContextID `json:"browserContextId"`
	}
	if err = conn.Send(ctx, "", cdproto.CommandTargetCreateBrowserContext, target.CreateBrowserContext().WithDisposeOnDetach(true), &created); err != nil {
		return s, fmt.Errorf("create browser context: %w", err)
	}
	s.browserContextID = created.BrowserContextID

	var tgt struct {
		TargetID target.ID `json:"targetId"`
	}
	if err = conn.Send(ctx, "", cdproto.CommandTargetCreateTarget,
		target.CreateTarget(blankPage).WithBrowserContextID(s.browserContextID), &tgt); err != nil {
		return s, fmt.Errorf("create target: %w", err)
	}
	s.targetID = tgt.TargetID

	var attached struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err = conn.Send(ctx, "", cdproto.CommandTargetAttachToTarget,
		target.AttachToTarget(s.targetID).WithFlatten(true), &attached); err != nil {
		return s, fmt.Errorf("attach to target: %w", err)
	}
	s.sessionID = attached.SessionID
	s.logger = s.logger.With(zap.String("target_id", string(s.targetID)), zap.String("session_id", string(s.sessionID)))

	s.sub = conn.Subscribe(s.sessionID)
	s.rec = newRecorder(s.ctx, conn, s.sessionID, opts.Capture, s.logger)
	loopStarted = true
	go s.eventLoop()

	if err = s.enableDomains(ctx); err != nil {
		return s, err
	}
	observability.ActiveSessions.Inc()
	s.counted = true
	s.logger.Debug("Session opened.")
	return s, nil
}

func (s *Session) enableDomains(ctx context.Context) error {
	co := s.opts.Capture

	if err := s.send(ctx, cdproto.CommandPageEnable, page.Enable(), nil); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}

	enable := network.Enable()
	if co.Requests || co.Responses {
		enable = enable.WithMaxTotalBufferSize(maxTotalBufferSize).WithMaxResourceBufferSize(maxResourceBufferSize)
	}
	if err := s.send(ctx, cdproto.CommandNetworkEnable, enable, nil); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}

	if co.JavaScript {
		if err := s.send(ctx, cdproto.CommandDebuggerEnable, debugger.Enable(), nil); err != nil {
			return fmt.Errorf("enable debugger domain: %w", err)
		}
	}

	if co.Resolution.Width > 0 && co.Resolution.Height > 0 {
		metrics := emulation.SetDeviceMetricsOverride(int64(co.Resolution.Width), int64(co.Resolution.Height), 1, false)
		if err := s.send(ctx, cdproto.CommandEmulationSetDeviceMetricsOverride, metrics, nil); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}

	if len(co.Headers) > 0 {
		headers := make(network.Headers, len(co.Headers))
		for k, v := range co.Headers {
			headers[k] = v
		}
		if err := s.send(ctx, cdproto.CommandNetworkSetExtraHTTPHeaders, network.SetExtraHTTPHeaders(headers), nil); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
	}
	return nil
}

func (s *Session) send(ctx context.Context, method cdproto.MethodType, params, result interface{}) error {
	return s.conn.Send(ctx, s.sessionID, method, params, result)
}

// eventLoop feeds this session's events to the recorder until Close.
func (s *Session) eventLoop() {
	defer close(s.loopDone)
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			return
		}
		if !s.recording.Load() {
			continue
		}
		switch msg.Method {
		case cdproto.EventPageFrameNavigated:
			s.noteFrameNavigated(msg)
		case cdproto.EventPageLoadEventFired:
			s.noteLoad()
		default:
			s.rec.handle(msg)
		}
	}
}

func (s *Session) noteFrameNavigated(msg *cdp.Message) {
	var ev eventFrameNavigated
	if err := msg.Decode(&ev); err != nil {
		s.logger.Debug("Skipping undecodable event.", zap.String("method", string(msg.Method)), zap.Error(err))
		return
	}
	if ev.Frame.ParentID != "" {
		return
	}
	s.loadMu.Lock()
	s.mainLoader = ev.Frame.LoaderID
	s.loadMu.Unlock()
}

func (s *Session) noteLoad() {
	s.loadMu.Lock()
	s.loads++
	if s.mainLoader != "" {
		s.loadedDocs[s.mainLoader] = true
	}
	s.loadMu.Unlock()
	select {
	case s.loadSignal <- struct{}{}:
	default:
	}
}

// loadedSince reports whether the document created by loaderID has fired
// its load event. Without a loader id (same-document navigation) any load
// after the given count qualifies.
func (s *Session) loadedSince(loaderID string, count int) bool {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if loaderID != "" {
		return s.loadedDocs[loaderID]
	}
	return s.loads > count
}

// ID is the protocol session id.
func (s *Session) ID() target.SessionID { return s.sessionID }

// TargetID is the page target backing this session.
func (s *Session) TargetID() target.ID { return s.targetID }

// Navigate loads url and waits for the load event of the document it
// creates. ErrNavigationTimeout is
// returned once the navigation timeout passes; recorded data is still valid.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.loadMu.Lock()
	startLoads := s.loads
	s.loadMu.Unlock()
	s.recording.Store(true)

	var res navigateResult
	if err := s.send(ctx, cdproto.CommandPageNavigate, page.Navigate(url), &res); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if res.FrameID != "" {
		s.rec.setMainFrame(res.FrameID)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("%w: %s", ErrNavigationFailed, res.ErrorText)
	}

	var timeout <-chan time.Time
	if d := s.opts.Capture.NavigationTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	for !s.loadedSince(res.LoaderID, startLoads) {
		select {
		case <-s.loadSignal:
		case <-timeout:
			return fmt.Errorf("%w after %s", ErrNavigationTimeout, s.opts.Capture.NavigationTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.loopDone:
			return fmt.Errorf("waiting for load: %w", ErrSessionClosed)
		}
	}
	return nil
}

// WaitDelay pauses for d so late scripts and rendering can settle.
func (s *Session) WaitDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect stops recording and extracts the page. Each failing step is joined
// into the returned error while the steps that worked stay in the bundle.
func (s *Session) Collect(ctx context.Context) (*schemas.Bundle, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	co := s.opts.Capture
	bundle := &schemas.Bundle{}
	var errs []error

	if err := s.rec.seal(ctx); err != nil {
		errs = append(errs, err)
	}

	title, err := s.title(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("title: %w", err))
	}

	var html string
	if co.DOM || title == "" {
		html, err = s.outerHTML(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("dom: %w", err))
		}
		if co.DOM {
			bundle.DOM = html
		}
		if title == "" {
			title = titleFromHTML(html)
		}
	}
	bundle.Title = title

	if co.Screenshots {
		shot, err := s.screenshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("screenshot: %w", err))
		}
		bundle.Screenshot = shot
	}

	bundle.Requests, bundle.Responses, bundle.History, bundle.Scripts = s.rec.snapshot()
	return bundle, errors.Join(errs...)
}

// Recorded stops recording and returns the network, history and script
// records gathered so far without issuing any command. In-flight fetches
// are abandoned.
func (s *Session) Recorded() *schemas.Bundle {
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.rec.seal(expired)
	b := &schemas.Bundle{}
	b.Requests, b.Responses, b.History, b.Scripts = s.rec.snapshot()
	return b
}

// title reads the current navigation entry's title.
func (s *Session) title(ctx context.Context) (string, error) {
	var hist navigationHistoryResult
	if err := s.send(ctx, cdproto.CommandPageGetNavigationHistory, page.GetNavigationHistory(), &hist); err != nil {
		return "", err
	}
	if len(hist.Entries) == 0 {
		return "", nil
	}
	idx := hist.CurrentIndex
	if idx < 0 || idx >= len(hist.Entries) {
		idx = len(hist.Entries) - 1
	}
	return hist.Entries[idx].Title, nil
}

func (s *Session) outerHTML(ctx context.Context) (string, error) {
	var doc struct {
		Root struct {
			NodeID cdptypes.NodeID `json:"nodeId"`
		} `json:"root"`
	}
	if err := s.send(ctx, cdproto.CommandDOMGetDocument, dom.GetDocument(), &doc); err != nil {
		return "", err
	}
	var out struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := s.send(ctx, cdproto.CommandDOMGetOuterHTML, dom.GetOuterHTML().WithNodeID(doc.Root.NodeID), &out); err != nil {
		return "", err
	}
	return out.OuterHTML, nil
}

func (s *Session) screenshot(ctx context.Context) ([]byte, error) {
	co := s.opts.Capture
	params := page.CaptureScreenshot().WithFormat(screenshotFormat(co.Format))
	if co.Format == schemas.FormatJPEG || co.Format == schemas.FormatWebP {
		params = params.WithQuality(int64(co.Quality))
	}

	if co.FullPage {
		var metrics layoutMetricsResult
		if err := s.send(ctx, cdproto.CommandPageGetLayoutMetrics, page.GetLayoutMetrics(), &metrics); err != nil {
			return nil, fmt.Errorf("layout metrics: %w", err)
		}
		width := metrics.CSSContentSize.Width
		if w := float64(co.Resolution.Width); w > 0 {
			width = w
		}
		height := math.Ceil(metrics.CSSContentSize.Height)
		if height > 0 && width > 0 {
			params = params.
				WithClip(&page.Viewport{X: 0, Y: 0, Width: width, Height: height, Scale: 1}).
				WithCaptureBeyondViewport(true)
		}
	}

	if lock := s.opts.FocusLock; lock != nil {
		lock.Lock()
		defer lock.Unlock()
		if err := s.conn.Send(ctx, "", cdproto.CommandTargetActivateTarget, target.ActivateTarget(s.targetID), nil); err != nil {
			return nil, fmt.Errorf("activate target: %w", err)
		}
	}

	var res struct {
		Data string `json:"data"`
	}
	if err := s.send(ctx, cdproto.CommandPageCaptureScreenshot, params, &res); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func screenshotFormat(f schemas.ImageFormat) page.CaptureScreenshotFormat {
	switch f {
	case schemas.FormatJPEG:
		return page.CaptureScreenshotFormatJpeg
	case schemas.FormatWebP:
		return page.CaptureScreenshotFormatWebp
	default:
		return page.CaptureScreenshotFormatPng
	}
}

// Close stops the event loop, closes the target and disposes the browser
// context. It is safe to call more than once and after a failed Open.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.sub != nil {
			s.sub.Close()
		}
		<-s.loopDone

		var errs []error
		if s.targetID != "" {
			if err := s.conn.Send(ctx, "", cdproto.CommandTargetCloseTarget, target.CloseTarget(s.targetID), nil); err != nil {
				errs = append(errs, fmt.Errorf("close target: %w", err))
			}
		}
		if s.browserContextID != "" {
			if err := s.conn.Send(ctx, "", cdproto.CommandTargetDisposeBrowserContext, target.DisposeBrowserContext(s.browserContextID), nil); err != nil {
				errs = append(errs, fmt.Errorf("dispose browser context: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.counted {
			observability.ActiveSessions.Dec()
		}
		s.logger.Debug("Session closed.", zap.Error(s.closeErr))
	})
	return s.closeErr
}
