// Package cdptest provides a scriptable stand-in for a browser's debugging
// endpoint. It speaks enough of the protocol for the session and capture
// layers: targets, flattened sessions, navigation with network and script
// events, and the data-retrieval commands.
package cdptest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
)

// Resource is a subresource loaded by a page.
type Resource struct {
	URL      string
	Type     string // Script, XHR, Fetch, Image, Stylesheet, ...
	Method   string
	Status   int
	MimeType string
	Body     string
	PostData string
	// Orphan emits only the response, as if the request event had been missed.
	Orphan bool
}

// Script is a script parsed by the page.
type Script struct {
	ID     string
	URL    string
	Source string
}

// Redirect is one hop before the final document.
type Redirect struct {
	Status   int
	Location string
}

// Page describes what navigating to a URL produces.
type Page struct {
	Title      string
	Status     int
	HTML       string
	Screenshot []byte
	Redirects  []Redirect
	Resources  []Resource
	Scripts    []Script
	// NeverLoad suppresses Page.loadEventFired.
	NeverLoad bool
	// LoadDelay postpones Page.loadEventFired.
	LoadDelay time.Duration
	// StaleLoad emits a load event for the previous document before the
	// navigation is answered.
	StaleLoad     bool
	ContentHeight int
	// EmptyHistoryTitle leaves the navigation history title blank.
	EmptyHistoryTitle bool
}

// Call is one command observed by the server.
type Call struct {
	SessionID string
	Method    string
	Params    map[string]interface{}
}

// Server is a fake browser endpoint backed by httptest.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	pages     map[string]*Page
	fail      map[string]string
	hang      map[string]bool
	calls     []Call
	conns     map[*websocket.Conn]*sync.Mutex
	contexts  map[string]bool
	targets   map[string]*targetState
	sessions  map[string]*targetState
	bodies    map[string]string
	postData  map[string]string
	scripts   map[string]string
	seq       int
	closing   chan struct{}
	closeOnce sync.Once
	timers    sync.WaitGroup
}

type targetState struct {
	id        string
	contextID string
	sessionID string
	current   *Page
	url       string
	debugger  bool
	closed    bool
}

// NewServer starts a fake endpoint serving /json/version and the browser websocket.
func NewServer() *Server {
	s := &Server{
		pages:    make(map[string]*Page),
		fail:     make(map[string]string),
		hang:     make(map[string]bool),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		contexts: make(map[string]bool),
		targets:  make(map[string]*targetState),
		sessions: make(map[string]*targetState),
		bodies:   make(map[string]string),
		postData: make(map[string]string),
		scripts:  make(map[string]string),
		closing:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/devtools/browser/", s.handleWebSocket)
	s.Server = httptest.NewServer(mux)
	return s
}

// WebSocketURL is the browser-level debugger URL.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/browser/fake"
}

// AddPage registers the result of navigating to url.
func (s *Server) AddPage(url string, p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == 0 {
		p.Status = 200
	}
	if p.Screenshot == nil {
		p.Screenshot = DefaultScreenshot()
	}
	if p.ContentHeight == 0 {
		p.ContentHeight = 2000
	}
	s.pages[url] = &p
}

// FailMethod makes every call of method return a protocol error.
func (s *Server) FailMethod(method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = message
}

// HangMethod makes every call of method go unanswered.
func (s *Server) HangMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[method] = true
}

// Calls returns the commands seen so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts commands by method.
func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// OpenTargets counts targets created and not yet closed.
func (s *Server) OpenTargets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.targets {
		if !t.closed {
			n++
		}
	}
	return n
}

// OpenContexts counts browser contexts created and not yet disposed.
func (s *Server) OpenContexts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Drop severs every websocket, as if the browser crashed.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops delayed events, drops connections and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.Drop()
		s.timers.Wait()
		s.Server.Close()
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "HeadlessChrome/131.0.0.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[ws] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			ID        int64                  `json:"id"`
			SessionID string                 `json:"sessionId"`
			Method    string                 `json:"method"`
			Params    map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		s.handleCommand(&wire{ws: ws, mu: writeMu}, cmd.ID, cmd.SessionID, cmd.Method, cmd.Params)
	}
}

// wire serializes frames onto one websocket.
type wire struct {
	ws *websocket.Conn
	mu *sync.Mutex
}

func (w *wire) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wire) reply(id int64, sessionID string, result interface{}) {
	if result == nil {
		result = map[string]interface{}{}
	}
	w.send(map[string]interface{}{"id": id, "sessionId": sessionID, "result": result})
}

func (w *wire) replyError(id int64, sessionID string, code int, message string) {
	w.send(map[string]interface{}{
		"id":        id,
		"sessionId": sessionID,
		"error":     map[string]interface{}{"code": code, "message": message},
	})
}

func (w *wire) event(sessionID, method string, params interface{}) {
	w.send(map[string]interface{}{"sessionId": sessionID, "method": method, "params": params})
}

func str(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func (s *Server) handleCommand(w *wire, id int64, sessionID, method string, params map[string]interface{}) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{SessionID: sessionID, Method: method, Params: params})
	failMsg, failing := s.fail[method]
	hanging := s.hang[method]
	s.mu.Unlock()

	if hanging {
		return
	}
	if failing {
		w.replyError(id, sessionID, -32000, failMsg)
		return
	}

	switch method {
	case "Browser.getVersion":
		w.reply(id, sessionID, map[string]interface{}{"product": "HeadlessChrome/131.0.0.0", "protocolVersion": "1.3"})

	case "Target.createBrowserContext":
		s.mu.Lock()
		s.seq++
		ctxID := fmt.Sprintf("CTX-%d", s.seq)
		s.contexts[ctxID] = true
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"browserContextId": ctxID})

	case "Target.disposeBrowserContext":
		ctxID := str(params, "browserContextId")
		s.mu.Lock()
		_, ok := s.contexts[ctxID]
		delete(s.contexts, ctxID)
		s.mu.Unlock()
		if !ok {
			w.replyError(id, sessionID, -32602, "Failed to find context with id "+ctxID)
			return
		}
		w.reply(id, sessionID, nil)

	case "Target.createTarget":
		s.mu.Lock()
		s.seq++
		t := &targetState{id: fmt.Sprintf("T-%d", s.seq), contextID: str(params, "browserContextId"), url: str(params, "url")}
		s.targets[t.id] = t
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"targetId": t.id})

	case "Target.attachToTarget":
		s.mu.Lock()
		t, ok := s.targets[str(params, "targetId")]
		if ok {
			s.seq++
			t.sessionID = fmt.Sprintf("S-%d", s.seq)
			s.sessions[t.sessionID] = t
		}
		s.mu.Unlock()
		if !ok {
			w.replyError(id, sessionID, -32602, "No target with given id found")
			return
		}
		w.reply(id, sessionID, map[string]interface{}{"sessionId": t.sessionID})

	case "Target.closeTarget":
		s.mu.Lock()
		t, ok := s.targets[str(params, "targetId")]
		if ok {
			t.closed = true
			delete(s.sessions, t.sessionID)
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"success": ok})

	case "Target.activateTarget",
		"Page.enable", "Network.enable", "Runtime.enable",
		"Emulation.setDeviceMetricsOverride", "Network.setExtraHTTPHeaders":
		w.reply(id, sessionID, nil)

	case "Debugger.enable":
		s.mu.Lock()
		if t := s.sessions[sessionID]; t != nil {
			t.debugger = true
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"debuggerId": "D-1"})

	case "Page.navigate":
		s.navigate(w, id, sessionID, str(params, "url"))

	case "Page.getNavigationHistory":
		s.mu.Lock()
		t := s.sessions[sessionID]
		entry := map[string]interface{}{"id": 1, "url": "about:blank", "title": ""}
		if t != nil {
			entry["url"] = t.url
			if t.current != nil && !t.current.EmptyHistoryTitle {
				entry["title"] = t.current.Title
			}
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"currentIndex": 0, "entries": []interface{}{entry}})

	case "Page.getLayoutMetrics":
		height := 900
		s.mu.Lock()
		if t := s.sessions[sessionID]; t != nil && t.current != nil {
			height = t.current.ContentHeight
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{
			"cssLayoutViewport": map[string]interface{}{"pageX": 0, "pageY": 0, "clientWidth": 1440, "clientHeight": 900},
			"cssContentSize":    map[string]interface{}{"x": 0, "y": 0, "width": 1440, "height": height},
		})

	case "Page.captureScreenshot":
		shot := DefaultScreenshot()
		s.mu.Lock()
		if t := s.sessions[sessionID]; t != nil && t.current != nil {
			shot = t.current.Screenshot
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"data": base64.StdEncoding.EncodeToString(shot)})

	case "DOM.getDocument":
		w.reply(id, sessionID, map[string]interface{}{
			"root": map[string]interface{}{"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document", "localName": "", "nodeValue": ""},
		})

	case "DOM.getOuterHTML":
		html := "<html><head></head><body></body></html>"
		s.mu.Lock()
		if t := s.sessions[sessionID]; t != nil && t.current != nil {
			html = t.current.HTML
		}
		s.mu.Unlock()
		w.reply(id, sessionID, map[string]interface{}{"outerHTML": html})

	case "Network.getResponseBody":
		s.mu.Lock()
		body, ok := s.bodies[str(params, "requestId")]
		s.mu.Unlock()
		if !ok {
			w.replyError(id, sessionID, -32000, "No resource with given identifier found")
			return
		}
		w.reply(id, sessionID, map[string]interface{}{"body": body, "base64Encoded": false})

	case "Network.getRequestPostData":
		s.mu.Lock()
		data, ok := s.postData[str(params, "requestId")]
		s.mu.Unlock()
		if !ok {
			w.replyError(id, sessionID, -32000, "No post data available for the request")
			return
		}
		w.reply(id, sessionID, map[string]interface{}{"postData": data})

	case "Debugger.getScriptSource":
		s.mu.Lock()
		src, ok := s.scripts[str(params, "scriptId")]
		s.mu.Unlock()
		if !ok {
			w.replyError(id, sessionID, -32000, "No script for id")
			return
		}
		w.reply(id, sessionID, map[string]interface{}{"scriptSource": src})

	default:
		w.replyError(id, sessionID, -32601, fmt.Sprintf("'%s' wasn't found", method))
	}
}

func (s *Server) navigate(w *wire, id int64, sessionID, url string) {
	s.mu.Lock()
	t := s.sessions[sessionID]
	page, known := s.pages[url]
	s.seq++
	frameID := fmt.Sprintf("F-%s", sessionID)
	loaderID := fmt.Sprintf("L-%d", s.seq)
	s.mu.Unlock()

	if t == nil {
		w.replyError(id, sessionID, -32001, "Session with given id not found.")
		return
	}
	if !known {
		w.reply(id, sessionID, map[string]interface{}{"frameId": frameID, "loaderId": loaderID, "errorText": "net::ERR_NAME_NOT_RESOLVED"})
		return
	}

	s.mu.Lock()
	t.current = page
	debugger := t.debugger
	s.seq++
	docID := fmt.Sprintf("R-%d", s.seq)
	s.mu.Unlock()

	if page.StaleLoad {
		w.event(sessionID, "Page.loadEventFired", map[string]interface{}{"timestamp": 0.5})
	}
	w.reply(id, sessionID, map[string]interface{}{"frameId": frameID, "loaderId": loaderID})

	// Document request with its redirect chain.
	current := url
	w.event(sessionID, "Network.requestWillBeSent", requestEvent(docID, loaderID, frameID, current, "GET", "Document", "", nil))
	for _, hop := range page.Redirects {
		redirect := responseObject(current, hop.Status, "text/html", map[string]interface{}{"Location": hop.Location})
		current = hop.Location
		w.event(sessionID, "Network.requestWillBeSent", requestEvent(docID, loaderID, frameID, current, "GET", "Document", "", redirect))
	}
	s.mu.Lock()
	t.url = current
	s.bodies[docID] = page.HTML
	s.mu.Unlock()
	w.event(sessionID, "Network.responseReceived", map[string]interface{}{
		"requestId": docID, "loaderId": loaderID, "frameId": frameID, "type": "Document",
		"response": responseObject(current, page.Status, "text/html", map[string]interface{}{"Content-Type": "text/html"}),
	})
	w.event(sessionID, "Page.frameNavigated", map[string]interface{}{
		"frame": map[string]interface{}{
			"id": frameID, "loaderId": loaderID, "url": current,
			"securityOrigin": current, "mimeType": "text/html",
		},
		"type": "Navigation",
	})
	w.event(sessionID, "Network.loadingFinished", map[string]interface{}{"requestId": docID, "encodedDataLength": len(page.HTML)})

	for _, res := range page.Resources {
		s.mu.Lock()
		s.seq++
		reqID := fmt.Sprintf("R-%d", s.seq)
		s.bodies[reqID] = res.Body
		if res.PostData != "" {
			s.postData[reqID] = res.PostData
		}
		s.mu.Unlock()

		method := res.Method
		if method == "" {
			method = "GET"
		}
		status := res.Status
		if status == 0 {
			status = 200
		}
		if !res.Orphan {
			w.event(sessionID, "Network.requestWillBeSent", requestEvent(reqID, loaderID, frameID, res.URL, method, res.Type, res.PostData, nil))
		}
		w.event(sessionID, "Network.responseReceived", map[string]interface{}{
			"requestId": reqID, "loaderId": loaderID, "frameId": frameID, "type": res.Type,
			"response": responseObject(res.URL, status, res.MimeType, map[string]interface{}{"Content-Type": res.MimeType}),
		})
		w.event(sessionID, "Network.loadingFinished", map[string]interface{}{"requestId": reqID, "encodedDataLength": len(res.Body)})
	}

	if debugger {
		for _, sc := range page.Scripts {
			s.mu.Lock()
			s.scripts[sc.ID] = sc.Source
			s.mu.Unlock()
			w.event(sessionID, "Debugger.scriptParsed", map[string]interface{}{
				"scriptId": sc.ID, "url": sc.URL, "startLine": 0, "startColumn": 0,
				"endLine": 1, "endColumn": 0, "executionContextId": 1, "hash": sc.ID,
			})
		}
	}

	w.event(sessionID, "Page.domContentEventFired", map[string]interface{}{"timestamp": 1.0})
	if page.NeverLoad {
		return
	}
	if page.LoadDelay <= 0 {
		w.event(sessionID, "Page.loadEventFired", map[string]interface{}{"timestamp": 2.0})
		return
	}
	s.timers.Add(1)
	go func() {
		defer s.timers.Done()
		select {
		case <-time.After(page.LoadDelay):
			w.event(sessionID, "Page.loadEventFired", map[string]interface{}{"timestamp": 2.0})
		case <-s.closing:
		}
	}()
}

func requestEvent(requestID, loaderID, frameID, url, method, typ, postData string, redirect map[string]interface{}) map[string]interface{} {
	req := map[string]interface{}{
		"url":     url,
		"method":  method,
		"headers": map[string]interface{}{"User-Agent": "HeadlessChrome"},
	}
	if postData != "" {
		req["hasPostData"] = true
	}
	ev := map[string]interface{}{
		"requestId":   requestID,
		"loaderId":    loaderID,
		"documentURL": url,
		"frameId":     frameID,
		"type":        typ,
		"request":     req,
		"timestamp":   1.0,
		"wallTime":    1.0,
		"initiator":   map[string]interface{}{"type": "other"},
	}
	if redirect != nil {
		ev["redirectResponse"] = redirect
	}
	return ev
}

func responseObject(url string, status int, mimeType string, headers map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"url":        url,
		"status":     status,
		"statusText": http.StatusText(status),
		"mimeType":   mimeType,
		"headers":    headers,
	}
}

// DefaultScreenshot is a small PNG with a diagonal gradient.
func DefaultScreenshot() []byte {
	return GradientPNG(64, 48, false)
}

// GradientPNG renders a deterministic test image; inverted flips the gradient.
func GradientPNG(w, h int, inverted bool) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*255/w + y*255/h) / 2)
			if inverted {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
