package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Helpers --

// endpoint is a bare websocket server; each test drives the browser side by hand.
type endpoint struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	upgrader := websocket.Upgrader{}
	e := &endpoint{conns: make(chan *websocket.Conn, 1)}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.conns <- ws
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func connect(t *testing.T, opts Options) (*Conn, *websocket.Conn) {
	t.Helper()
	e := newEndpoint(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, e.wsURL(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	server := <-e.conns
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c, server
}

func readCommand(t *testing.T, server *websocket.Conn) Message {
	t.Helper()
	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeFrame(t *testing.T, server *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// serveEcho answers every command with {"echo": <id>} until the socket dies.
func serveEcho(server *websocket.Conn) <-chan []int64 {
	out := make(chan []int64, 1)
	go func() {
		var ids []int64
		defer func() { out <- ids }()
		for {
			_, data, err := server.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) != nil {
				return
			}
			ids = append(ids, msg.ID)
			reply := fmt.Sprintf(`{"id":%d,"result":{"echo":%d}}`, msg.ID, msg.ID)
			if server.WriteMessage(websocket.TextMessage, []byte(reply)) != nil {
				return
			}
		}
	}()
	return out
}

type echoResult struct {
	Echo int64 `json:"echo"`
}

// -- Command/Reply Tests --

func TestSendAssignsIncreasingIDs(t *testing.T) {
	c, server := connect(t, Options{})
	ctx := context.Background()

	go func() {
		for i := 0; i < 3; i++ {
			_, data, err := server.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			_ = json.Unmarshal(data, &msg)
			_ = server.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"id":%d,"result":{"echo":%d}}`, msg.ID, msg.ID)))
		}
	}()

	for want := int64(1); want <= 3; want++ {
		var res echoResult
		require.NoError(t, c.Send(ctx, "", cdproto.CommandBrowserGetVersion, nil, &res))
		assert.Equal(t, want, res.Echo)
	}
}

func TestSendConcurrentIDsAreUnique(t *testing.T) {
	c, server := connect(t, Options{})
	seen := serveEcho(server)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res echoResult
			errs <- c.Send(context.Background(), "S1", cdproto.CommandRuntimeEvaluate, map[string]string{"expression": "1"}, &res)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, c.Close())
	_ = server.Close()
	ids := <-seen
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	require.Len(t, ids, n)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestSendCarriesSessionAndParams(t *testing.T) {
	c, server := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), "SESSION-A", cdproto.CommandPageNavigate, map[string]string{"url": "https://example.com"}, nil)
	}()

	cmd := readCommand(t, server)
	assert.Equal(t, target.SessionID("SESSION-A"), cmd.SessionID)
	assert.EqualValues(t, cdproto.CommandPageNavigate, cmd.Method)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(cmd.Params))

	writeFrame(t, server, fmt.Sprintf(`{"id":%d,"sessionId":"SESSION-A","result":{}}`, cmd.ID))
	require.NoError(t, <-done)
}

func TestOutOfOrderReplies(t *testing.T) {
	c, server := connect(t, Options{})

	results := make([]echoResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, &results[i])
		}(i)
		// Serialize the writes so ids map to goroutines deterministically.
		cmd := readCommand(t, server)
		require.Equal(t, int64(i+1), cmd.ID)
	}

	writeFrame(t, server, `{"id":2,"result":{"echo":2}}`)
	writeFrame(t, server, `{"id":1,"result":{"echo":1}}`)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), results[0].Echo)
	assert.Equal(t, int64(2), results[1].Echo)
}

func TestUnknownReplyIsDropped(t *testing.T) {
	c, server := connect(t, Options{})

	done := make(chan error, 1)
	var res echoResult
	go func() {
		done <- c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, &res)
	}()
	cmd := readCommand(t, server)

	writeFrame(t, server, `{"id":999,"result":{"echo":999}}`)
	writeFrame(t, server, `not json at all`)
	writeFrame(t, server, fmt.Sprintf(`{"id":%d,"result":{"echo":7}}`, cmd.ID))

	require.NoError(t, <-done)
	assert.Equal(t, int64(7), res.Echo)
	assert.NoError(t, c.Err())
}

func TestErrorReplyBecomesProtocolError(t *testing.T) {
	c, server := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), "S", cdproto.CommandNetworkGetResponseBody, nil, nil)
	}()
	cmd := readCommand(t, server)
	writeFrame(t, server, fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":"No resource with given identifier found","data":"req-1"}}`, cmd.ID))

	err := <-done
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32000), perr.Code)
	assert.Equal(t, "No resource with given identifier found", perr.Message)
	assert.EqualValues(t, cdproto.CommandNetworkGetResponseBody, perr.Method)
	assert.Contains(t, err.Error(), "Network.getResponseBody")
	assert.Contains(t, err.Error(), "req-1")
}

func TestCommandTimeout(t *testing.T) {
	c, server := connect(t, Options{CommandTimeout: 100 * time.Millisecond})

	start := time.Now()
	err := c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, nil)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The late reply is discarded and the connection stays usable.
	first := readCommand(t, server)
	writeFrame(t, server, fmt.Sprintf(`{"id":%d,"result":{"echo":1}}`, first.ID))

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, nil)
	}()
	second := readCommand(t, server)
	assert.Greater(t, second.ID, first.ID)
	writeFrame(t, server, fmt.Sprintf(`{"id":%d,"result":{}}`, second.ID))
	require.NoError(t, <-done)
	assert.NoError(t, c.Err())
}

func TestSendHonorsContext(t *testing.T) {
	c, server := connect(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Send(ctx, "", cdproto.CommandBrowserGetVersion, nil, nil)
	}()
	readCommand(t, server)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, c.Err(), "a cancelled command must not kill the connection")
}

// -- Lifecycle Tests --

func TestCloseFailsPendingCommands(t *testing.T) {
	c, server := connect(t, Options{})

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, nil)
	}()
	readCommand(t, server)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}

	err := c.Send(context.Background(), "", cdproto.CommandBrowserGetVersion, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close(), "Close is idempotent")
}

func TestRemoteDisconnectIsFatal(t *testing.T) {
	c, server := connect(t, Options{})
	sub := c.Subscribe("S1")

	done := make(chan error, 1)
	go func() {
		done <- c.Send(context.Background(), "S1", cdproto.CommandPageEnable, nil, nil)
	}()
	readCommand(t, server)
	require.NoError(t, server.Close())

	assert.ErrorIs(t, <-done, ErrClosed)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss was not observed")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// -- Event Routing Tests --

func TestEventsRoutedBySession(t *testing.T) {
	c, server := connect(t, Options{})
	subA := c.Subscribe("A")
	subB := c.Subscribe("B")
	defer subA.Close()
	defer subB.Close()

	writeFrame(t, server, `{"method":"Page.loadEventFired","sessionId":"A","params":{"timestamp":1}}`)
	writeFrame(t, server, `{"method":"Network.requestWillBeSent","sessionId":"B","params":{"requestId":"r1"}}`)
	writeFrame(t, server, `{"method":"Page.frameNavigated","sessionId":"C","params":{}}`)
	writeFrame(t, server, `{"method":"Page.domContentEventFired","sessionId":"A","params":{"timestamp":2}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := subA.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, cdproto.EventPageLoadEventFired, ev.Method)
	ev, err = subA.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, cdproto.EventPageDomContentEventFired, ev.Method)

	ev, err = subB.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, cdproto.EventNetworkRequestWillBeSent, ev.Method)
	var params struct {
		RequestID string `json:"requestId"`
	}
	require.NoError(t, ev.Decode(&params))
	assert.Equal(t, "r1", params.RequestID)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = subB.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "B must not see events of other sessions")
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	c, server := connect(t, Options{})
	sub := c.Subscribe("A")
	sub.Close()
	sub.Close()

	writeFrame(t, server, `{"method":"Page.loadEventFired","sessionId":"A","params":{}}`)
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeAfterClose(t *testing.T) {
	c, _ := connect(t, Options{})
	require.NoError(t, c.Close())

	sub := c.Subscribe("A")
	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/devtools/browser/x", Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
