package cdp

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/chromedp/cdproto"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		event   bool
	}{
		{name: "reply", frame: `{"id":3,"result":{"frameId":"F"}}`},
		{name: "error reply", frame: `{"id":4,"error":{"code":-32601,"message":"'Foo.bar' wasn't found"}}`},
		{name: "event", frame: `{"method":"Page.loadEventFired","sessionId":"S","params":{"timestamp":1.5}}`, event: true},
		{name: "empty object", frame: `{}`, wantErr: true},
		{name: "negative id", frame: `{"id":-1,"result":{}}`, wantErr: true},
		{name: "array", frame: `[1,2,3]`, wantErr: true},
		{name: "garbage", frame: `{"id":`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tc.frame))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.event, msg.IsEvent())
		})
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Code: -32000, Message: "Cannot navigate", Method: cdproto.CommandPageNavigate}
	assert.Equal(t, "Page.navigate: protocol error -32000: Cannot navigate", err.Error())
}

// FuzzDecodeMessage checks the inbound decoder never panics and never
// accepts a frame that is neither a reply nor an event.
func FuzzDecodeMessage(f *testing.F) {
	f.Add([]byte(`{"id":1,"result":{}}`))
	f.Add([]byte(`{"method":"Network.loadingFinished","sessionId":"S","params":{"requestId":"1"}}`))
	f.Add([]byte(`{"id":2,"error":{"code":1,"message":"x","data":"y"}}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := decodeMessage(data)
		if err == nil {
			if msg.ID < 0 || (msg.ID == 0 && msg.Method == "") {
				t.Fatalf("decoder accepted invalid frame %q", data)
			}
		}

		// Structured frames assembled from the fuzz input.
		c := fuzz.NewConsumer(data)
		var m Message
		if c.GenerateStruct(&m) != nil {
			return
		}
		if raw, err := json.Marshal(&m); err == nil {
			_, _ = decodeMessage(raw)
		}
	})
}
