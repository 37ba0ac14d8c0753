package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tikslop/videogen-gateway/internal/chat"
	"github.com/tikslop/videogen-gateway/internal/endpointpool"
	"github.com/tikslop/videogen-gateway/internal/frame"
	"github.com/tikslop/videogen-gateway/internal/identity"
	"github.com/tikslop/videogen-gateway/internal/roleconfig"
	"github.com/tikslop/videogen-gateway/internal/textgen"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) replies(t *testing.T) []frame.Outbound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame.Outbound
	for _, raw := range f.written {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		o := frame.Outbound{}
		if a, ok := m["action"].(string); ok {
			o.Action = a
		}
		if r, ok := m["requestId"].(string); ok {
			o.RequestID = r
		}
		if s, ok := m["success"].(bool); ok {
			o.Success = s
		}
		if e, ok := m["error"].(string); ok {
			o.Error = e
		}
		o.Fields = m
		out = append(out, o)
	}
	return out
}

type fakeGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts textgen.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testDeps(gen textgen.Generator) Deps {
	return Deps{
		Pool:    endpointpool.New(nil),
		TextGen: gen,
		Chat:    chat.NewRegistry(),
		Roles:   roleconfig.NewResolver(),
	}
}

func TestVideoConcurrencyCap(t *testing.T) {
	assert.Equal(t, 2, videoConcurrencyCap(identity.RoleAnon, 10))
	assert.Equal(t, 4, videoConcurrencyCap(identity.RoleNormal, 10))
	assert.Equal(t, 1, videoConcurrencyCap(identity.RoleAnon, 0))
	assert.Equal(t, 3, videoConcurrencyCap(identity.RolePro, 3))
}

func TestHandleInline_Heartbeat_RepliesWithRole(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "alice", "127.0.0.1", identity.RolePro, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	s.HandleInline(context.Background(), frame.Inbound{Action: frame.ActionHeartbeat, RequestID: "r1"})

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) >= 1
	}, time.Second, 5*time.Millisecond)
	replies := conn.replies(t)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Success)
	assert.Equal(t, "pro", replies[0].Fields["user_role"])
}

func TestHandleInline_UnknownAction_Fails(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "alice", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	s.HandleInline(context.Background(), frame.Inbound{Action: "bogus", RequestID: "r1"})

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) >= 1
	}, time.Second, 5*time.Millisecond)
	replies := conn.replies(t)
	require.Len(t, replies, 1)
	assert.False(t, replies[0].Success)
}

func TestHandleInline_Caption_MissingParams_IsUserError(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	s.HandleInline(context.Background(), frame.Inbound{Action: frame.ActionGenerateCaption, RequestID: "r1"})

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) >= 1
	}, time.Second, 5*time.Millisecond)
	replies := conn.replies(t)
	require.Len(t, replies, 1)
	assert.False(t, replies[0].Success)
}

func TestHandleInline_Caption_Success(t *testing.T) {
	conn := &fakeConn{}
	gen := &fakeGenerator{response: "A cat explores a neon city."}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(gen))
	s.Run(context.Background())
	defer s.Close()

	s.HandleInline(context.Background(), frame.Inbound{
		Action:    frame.ActionGenerateCaption,
		RequestID: "r1",
		Params:    &frame.CaptionParams{Title: "Neon Cat", Description: "a short clip"},
	})

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) >= 1
	}, time.Second, 5*time.Millisecond)
	replies := conn.replies(t)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Success)
	assert.Equal(t, "A cat explores a neon city.", replies[0].Fields["caption"])
}

func TestHandleInline_Caption_GenerationError(t *testing.T) {
	conn := &fakeConn{}
	gen := &fakeGenerator{err: errors.New("upstream down")}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(gen))
	s.Run(context.Background())
	defer s.Close()

	s.HandleInline(context.Background(), frame.Inbound{
		Action:    frame.ActionGenerateCaption,
		RequestID: "r1",
		Params:    &frame.CaptionParams{Title: "t", Description: "d"},
	})

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) >= 1
	}, time.Second, 5*time.Millisecond)
	replies := conn.replies(t)
	require.Len(t, replies, 1)
	assert.False(t, replies[0].Success)
}

func TestEnqueue_RoutesToCorrectQueueByClass(t *testing.T) {
	s := New(&fakeConn{}, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))

	ok := s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{Action: frame.ActionJoinChat})
	require.True(t, ok)
	assert.Len(t, s.chatQ, 1)
	assert.Len(t, s.videoQ, 0)

	ok = s.Enqueue(context.Background(), frame.ClassSearch, frame.Inbound{Action: frame.ActionSearch})
	require.True(t, ok)
	assert.Len(t, s.searchQ, 1)
}

func TestEnqueue_UnknownClass_ReturnsFalse(t *testing.T) {
	s := New(&fakeConn{}, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	ok := s.Enqueue(context.Background(), frame.ClassOther, frame.Inbound{Action: "bogus"})
	assert.False(t, ok)
}

func TestEnqueue_AfterClose_ReturnsFalse(t *testing.T) {
	s := New(&fakeConn{}, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	s.Close()

	ok := s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{Action: frame.ActionJoinChat})
	assert.False(t, ok)
}

func TestRunAndClose_DrainsWorkersAndClosesConn(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "alice", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{response: "ok"}))
	s.Run(context.Background())

	assert.True(t, s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{
		Action: frame.ActionJoinChat, VideoID: "v1",
	}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 1
	}, time.Second, 5*time.Millisecond)

	s.Close()
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
	assert.Equal(t, StateClosed, s.State())
}

func TestChatWorker_JoinPostLeave(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "alice", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	require.True(t, s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{
		Action: frame.ActionJoinChat, VideoID: "v1",
	}))
	require.True(t, s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{
		Action: frame.ActionChatMessage, VideoID: "v1", Username: "alice", Content: "hi",
	}))
	require.True(t, s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{
		Action: frame.ActionLeaveChat, VideoID: "v1",
	}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 3
	}, time.Second, 5*time.Millisecond)

	replies := conn.replies(t)
	for _, r := range replies {
		assert.True(t, r.Success)
	}
}

func TestChatWorker_MissingVideoID_IsUserError(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	require.True(t, s.Enqueue(context.Background(), frame.ClassChat, frame.Inbound{Action: frame.ActionJoinChat}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, conn.replies(t)[0].Success)
}

func TestSearchWorker_ValidYAML_ReturnsStub(t *testing.T) {
	conn := &fakeConn{}
	gen := &fakeGenerator{response: "title: Neon City\ndescription: A drone flight over a glowing skyline.\n"}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(gen))
	s.Run(context.Background())
	defer s.Close()

	require.True(t, s.Enqueue(context.Background(), frame.ClassSearch, frame.Inbound{
		Action: frame.ActionSearch, RequestID: "r1", Query: "neon city",
	}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 1
	}, time.Second, 5*time.Millisecond)

	r := conn.replies(t)[0]
	assert.True(t, r.Success)
	result, ok := r.Fields["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Neon City", result["title"])
}

func TestSearchWorker_EmptyQuery_IsUserError(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	s.Run(context.Background())
	defer s.Close()

	require.True(t, s.Enqueue(context.Background(), frame.ClassSearch, frame.Inbound{Action: frame.ActionSearch}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, conn.replies(t)[0].Success)
}

func TestSimulationWorker_ReturnsEvolvedDescriptionAndHistory(t *testing.T) {
	conn := &fakeConn{}
	gen := &fakeGenerator{response: " the scene darkens "}
	s := New(conn, "u1", "", "127.0.0.1", identity.RoleNormal, testDeps(gen))
	s.Run(context.Background())
	defer s.Close()

	require.True(t, s.Enqueue(context.Background(), frame.ClassSimulation, frame.Inbound{
		Action: frame.ActionSimulate, RequestID: "r1",
		OriginalTitle: "Storm", CondensedHistory: "sky clears",
	}))

	require.Eventually(t, func() bool {
		return len(conn.replies(t)) == 1
	}, time.Second, 5*time.Millisecond)

	r := conn.replies(t)[0]
	assert.True(t, r.Success)
	assert.Equal(t, "the scene darkens", r.Fields["evolved_description"])
	assert.Equal(t, "sky clears -> the scene darkens", r.Fields["condensed_history"])
}

func TestCondenseHistory_TruncatesToMaxLength(t *testing.T) {
	prior := ""
	for i := 0; i < maxCondensedHistory; i++ {
		prior += "a"
	}
	got := condenseHistory(prior, "tail")
	assert.Len(t, got, maxCondensedHistory)
	assert.True(t, len(got) > 0 && got[len(got)-4:] == "tail")
}

func TestSendChat_FullBuffer_ReturnsError(t *testing.T) {
	s := New(&fakeConn{}, "u1", "alice", "127.0.0.1", identity.RoleNormal, testDeps(&fakeGenerator{}))
	for i := 0; i < sendBufferSize; i++ {
		s.send <- []byte("x")
	}
	err := s.SendChat(frame.Message{VideoID: "v1", Content: "hi"})
	assert.Error(t, err)
}
