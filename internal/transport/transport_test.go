package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// recorder turns handler calls into strings on a channel.
type recorder struct {
	events chan string
}

func newRecorder() *recorder { return &recorder{events: make(chan string, 32)} }

func (r *recorder) OnHistory(m []protocol.HistoryMessage, mode protocol.Mode) {
	r.events <- fmt.Sprintf("history:%d:%s", len(m), mode)
}
func (r *recorder) OnChunk(text string) { r.events <- "chunk:" + text }
func (r *recorder) OnComplete(id int64) { r.events <- fmt.Sprintf("complete:%d", id) }
func (r *recorder) OnHumanMessage(c, e string) {
	r.events <- "human:" + c + ":" + e
}
func (r *recorder) OnTicketResolved(m string) { r.events <- "resolved:" + m }
func (r *recorder) OnServerError(m string)    { r.events <- "error:" + m }
func (r *recorder) OnDisconnect(err error)    { r.events <- fmt.Sprintf("disconnect:%v", err != nil) }

func (r *recorder) OnResponseStart()          { r.events <- "start" }
func (r *recorder) OnTextChunk(text string)   { r.events <- "text:" + text }
func (r *recorder) OnAudioChunk(audio string) { r.events <- "audio:" + audio }
func (r *recorder) OnResponseEnd()            { r.events <- "end" }
func (r *recorder) OnVoiceError(m string)     { r.events <- "error:" + m }
func (r *recorder) OnVoiceDisconnect(err error) {
	r.events <- fmt.Sprintf("disconnect:%v", err != nil)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler event")
		return ""
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		api, want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws/chat/k"},
		{"https://api.nexva.ai/", "wss://api.nexva.ai/ws/chat/k"},
		{"https://api.nexva.ai/base?x=1", "wss://api.nexva.ai/base/ws/chat/k"},
	}
	for _, tt := range tests {
		got, err := SocketURL(tt.api, "/ws/chat/k")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SocketURL("not a url", "/x")
	assert.Error(t, err)
}

func TestChatClient_Session(t *testing.T) {
	received := make(chan protocol.ChatRequest, 1)
	handshake := make(chan protocol.Handshake, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/chat/key-1", r.URL.Path)
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		var hello protocol.Handshake
		require.NoError(t, ws.ReadJSON(&hello))
		handshake <- hello

		frames := []string{
			`{"type":"history","messages":[{"id":1,"role":"user","content":"q"}],"mode":"human"}`,
			`{"type":"chunk","text":"Hel"}`,
			`{"type":"chunk","text":"lo"}`,
			`{"type":"complete","conversation_id":7}`,
			`{"type":"human_message","content":"hi","sender_email":"a@b.c"}`,
			`{"type":"ticket_resolved","message":"Resolved"}`,
			`{"type":"surprise"}`,
			`{"type":"error","message":"boom"}`,
		}
		for _, f := range frames {
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(f)))
		}

		var req protocol.ChatRequest
		if err := ws.ReadJSON(&req); err == nil {
			received <- req
		}
		// wait for the client to close
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	rec := newRecorder()
	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "key-1", SessionID: "widget-1"}, rec, zerolog.Nop())

	require.NoError(t, c.Connect(context.Background(), 3))
	hello := <-handshake
	assert.Equal(t, "widget-1", hello.SessionID)
	assert.Equal(t, int64(3), hello.ConversationID)

	want := []string{
		"history:1:human",
		"chunk:Hel",
		"chunk:lo",
		"complete:7",
		"human:hi:a@b.c",
		"resolved:Resolved",
		"error:boom",
	}
	for _, w := range want {
		assert.Equal(t, w, rec.next(t))
	}
	assert.Equal(t, int64(7), c.ConversationID())

	require.True(t, c.SendMessage("hello"))
	select {
	case req := <-received:
		assert.Equal(t, "hello", req.Message)
		assert.Equal(t, "widget-1", req.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}

	c.Close()
	assert.Equal(t, "disconnect:false", rec.next(t))
	assert.False(t, c.IsOpen())
	c.Close()
	assert.False(t, c.SendMessage("after close"))
}

func TestChatClient_HandshakeWithoutConversation(t *testing.T) {
	raw := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		raw <- string(msg)
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "k", SessionID: "s"}, newRecorder(), zerolog.Nop())
	require.NoError(t, c.Connect(context.Background(), 0))
	defer c.Close()

	msg := <-raw
	assert.JSONEq(t, `{"session_id":"s"}`, msg)
}

func TestChatClient_SendWithoutConnection(t *testing.T) {
	c := NewChatClient(ChatConfig{APIURL: "http://127.0.0.1:1", APIKey: "k"}, newRecorder(), zerolog.Nop())
	assert.False(t, c.SendMessage("hello"))
	assert.False(t, c.IsOpen())
	c.Close()
}

func TestChatClient_ConnectIsIdempotent(t *testing.T) {
	var upgrades atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		upgrades.Add(1)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "k"}, newRecorder(), zerolog.Nop())
	require.NoError(t, c.Connect(context.Background(), 0))
	require.NoError(t, c.Connect(context.Background(), 0))
	defer c.Close()

	assert.True(t, c.IsOpen())
	assert.Equal(t, int32(1), upgrades.Load())
}

func TestChatClient_ServerDropIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, _ = ws.ReadMessage()
		// drop the TCP connection without a close frame
		ws.UnderlyingConn().Close()
	}))
	defer srv.Close()

	rec := newRecorder()
	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "k"}, rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background(), 0))

	assert.Equal(t, "disconnect:true", rec.next(t))
	assert.False(t, c.IsOpen())
	assert.False(t, c.SendMessage("x"))
}

func TestChatClient_MalformedFrameKeepsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`["no","type"]`))
		_ = ws.WriteJSON(map[string]any{"type": "chunk", "text": "after"})
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	rec := newRecorder()
	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "k"}, rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background(), 0))
	defer c.Close()

	assert.Equal(t, "chunk:after", rec.next(t))
	assert.True(t, c.IsOpen())
}

func TestChatClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewChatClient(ChatConfig{APIURL: srv.URL, APIKey: "k"}, newRecorder(), zerolog.Nop())
	err := c.Connect(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "dial chat"))
}

func TestVoiceClient_Session(t *testing.T) {
	got := make(chan protocol.VoiceRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/voice-chat/k", r.URL.Path)
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		var req protocol.VoiceRequest
		require.NoError(t, ws.ReadJSON(&req))
		got <- req

		for _, f := range []string{
			`{"type":"response_start"}`,
			`{"type":"text_chunk","text":"Sure"}`,
			`{"type":"audio_chunk","audio":"UklGRg=="}`,
			`{"type":"response_end"}`,
			`{"type":"error","message":"tts down"}`,
		} {
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(f)))
		}

		for {
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			got <- req
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	c := NewVoiceClient(VoiceConfig{APIURL: srv.URL, APIKey: "k"}, rec, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.SendQuery("what is nexva"))

	first := <-got
	assert.Equal(t, protocol.VoiceRequest{Type: "text_query", Text: "what is nexva"}, first)

	for _, w := range []string{"start", "text:Sure", "audio:UklGRg==", "end", "error:tts down"} {
		assert.Equal(t, w, rec.next(t))
	}

	require.True(t, c.Interrupt())
	assert.Equal(t, "interrupt", (<-got).Type)

	c.Stop()
	assert.Equal(t, "stop", (<-got).Type)
	assert.Equal(t, "disconnect:false", rec.next(t))
	assert.False(t, c.Interrupt())
	c.Stop()
}
