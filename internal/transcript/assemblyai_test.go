package transcript

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu          sync.Mutex
	transcripts []string
	finals      []bool
	turns       []string
	order       []string
	closeCode   int
	closed      chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) events() Events {
	return Events{
		OnTranscript: func(text string, final bool) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, text)
			r.finals = append(r.finals, final)
			r.order = append(r.order, "transcript")
			r.mu.Unlock()
		},
		OnTurn: func(text string) {
			r.mu.Lock()
			r.turns = append(r.turns, text)
			r.order = append(r.order, "turn")
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.order = append(r.order, "error")
			r.mu.Unlock()
		},
		OnClose: func(code int, _ string) {
			r.mu.Lock()
			r.closeCode = code
			r.order = append(r.order, "close")
			r.mu.Unlock()
			close(r.closed)
		},
	}
}

// fakeUpstream runs script against each accepted connection.
func fakeUpstream(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) Config {
	cfg := DefaultConfig("test-key")
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return cfg
}

func TestConnect_SendsParamsAndAuth(t *testing.T) {
	gotQuery := make(chan *http.Request, 1)
	srv := fakeUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		gotQuery <- r
		_, _, _ = conn.ReadMessage()
	})
	cfg := testConfig(srv)
	cfg.Prompt = "names: Zara"

	c, err := Connect(context.Background(), cfg, Events{}, nil)
	require.NoError(t, err)
	defer c.Close()

	r := <-gotQuery
	assert.Equal(t, "test-key", r.Header.Get("Authorization"))
	q := r.URL.Query()
	assert.Equal(t, "16000", q.Get("sample_rate"))
	assert.Equal(t, "u3-pro", q.Get("speech_model"))
	assert.Equal(t, "true", q.Get("format_turns"))
	assert.Equal(t, "400", q.Get("min_end_of_turn_silence_when_confident"))
	assert.Equal(t, "1200", q.Get("max_turn_silence"))
	assert.Equal(t, "names: Zara", q.Get("prompt"))
}

func TestConnect_EmptyKey(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, Events{}, nil)
	require.Error(t, err)
}

func TestConnect_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig("k")
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := Connect(context.Background(), cfg, Events{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMessages_TurnFormattingAndTranscripts(t *testing.T) {
	srv := fakeUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		frames := []string{
			`{"type":"Begin","id":"s1","expires_at":1700000000}`,
			`not json`,
			`{"type":"Mystery"}`,
			`{"type":"Turn","end_of_turn":false}`,
			`{"type":"Transcript","text":"what's the","is_final":false}`,
			`{"type":"Turn","transcript":"what's the weather","end_of_turn":true,"turn_is_formatted":false}`,
			`{"type":"Turn","transcript":"What's the weather?","end_of_turn":true,"turn_is_formatted":true}`,
			`{"type":"Transcript","text":"done","is_final":true}`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	})
	rec := newRecorder()
	c, err := Connect(context.Background(), testConfig(srv), rec.events(), nil)
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"what's the", "what's the weather", "done"}, rec.transcripts)
	assert.Equal(t, []bool{false, false, true}, rec.finals)
	assert.Equal(t, []string{"What's the weather?"}, rec.turns)
	assert.Equal(t, websocket.CloseNormalClosure, rec.closeCode)
	assert.NotContains(t, rec.order, "error")
}

func TestClose_AbnormalCodeReportsErrorFirst(t *testing.T) {
	srv := fakeUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "not authorized"))
		_, _, _ = conn.ReadMessage()
	})
	rec := newRecorder()
	c, err := Connect(context.Background(), testConfig(srv), rec.events(), nil)
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"error", "close"}, rec.order)
	assert.Equal(t, 4001, rec.closeCode)
}

func TestClearAndSend(t *testing.T) {
	type frame struct {
		mt   int
		data []byte
	}
	got := make(chan frame, 8)
	srv := fakeUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- frame{mt, data}
		}
	})
	c, err := Connect(context.Background(), testConfig(srv), Events{}, nil)
	require.NoError(t, err)

	c.Send([]byte{1, 2, 3, 4})
	require.NoError(t, c.Clear())

	f := <-got
	assert.Equal(t, websocket.BinaryMessage, f.mt)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.data)
	f = <-got
	assert.JSONEq(t, `{"type":"ForceEndpoint"}`, string(f.data))

	require.NoError(t, c.Close())
	f = <-got
	assert.JSONEq(t, `{"type":"Terminate"}`, string(f.data))

	// closed: audio is silently dropped and control frames fail
	c.Send([]byte{9})
	assert.ErrorIs(t, c.Clear(), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClose_NoCallbacksAfterLocalClose(t *testing.T) {
	srv := fakeUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	rec := newRecorder()
	c, err := Connect(context.Background(), testConfig(srv), rec.events(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.order)
}
