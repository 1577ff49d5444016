package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatmeter/internal/identity"
	"chatmeter/internal/ledger"
	"chatmeter/internal/provider"
	"chatmeter/internal/relay"
	"chatmeter/internal/storage"
)

// replayProvider answers every stream with the same fragments. A non-nil
// trailing error replaces the clean end of stream.
type replayProvider struct {
	fragments []string
	trailing  error
}

type replayStream struct {
	fragments []string
	trailing  error
	pos       int
}

func (p *replayProvider) Chat(ctx context.Context, req provider.ChatRequest) (string, error) {
	if p.trailing != nil {
		return "", p.trailing
	}
	return strings.Join(p.fragments, ""), nil
}

func (p *replayProvider) ChatStream(ctx context.Context, req provider.ChatRequest) (provider.Stream, error) {
	return &replayStream{fragments: p.fragments, trailing: p.trailing}, nil
}

func (s *replayStream) Next() (string, error) {
	if s.pos >= len(s.fragments) {
		if s.trailing != nil {
			return "", s.trailing
		}
		return "", io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *replayStream) Close() error { return nil }

func newTestServer(t *testing.T, grant int64, p provider.Provider) (*httptest.Server, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.Join(t.TempDir(), "test.db"))
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	led := ledger.New(ledger.Config{Store: store, CostPerSend: 1, Logger: zerolog.Nop()})
	resolver := identity.NewFingerprintResolver(identity.Config{
		Store:        store,
		Ledger:       led,
		Secret:       []byte("test-secret"),
		InitialGrant: grant,
		Logger:       zerolog.Nop(),
	})
	coordinator := relay.New(relay.Config{
		Store:        store,
		Ledger:       led,
		Provider:     p,
		DefaultModel: "test-model",
		Logger:       zerolog.Nop(),
	})
	api := New(Config{
		Resolver:    resolver,
		Coordinator: coordinator,
		Logger:      zerolog.Nop(),
	})

	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func browserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Sec-CH-UA", `"Chromium";v="120"`)
	req.Header.Set("Sec-CH-UA-Platform", `"Linux"`)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
}

func postChat(t *testing.T, srv *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	browserHeaders(req)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	return resp
}

func TestChatStreamingRoundTrip(t *testing.T) {
	srv, store := newTestServer(t, 20, &replayProvider{fragments: []string{"Hello", " there"}})

	resp := postChat(t, srv, map[string]any{"message": "hi"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	convID := resp.Header.Get("X-Conversation-Id")
	if convID == "" {
		t.Fatalf("missing X-Conversation-Id header")
	}
	if got := resp.Header.Get("X-User-Credits"); got != "19" {
		t.Fatalf("X-User-Credits %q, want 19", got)
	}

	var fragments []string
	var done bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			break
		}
		var chunk struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		fragments = append(fragments, chunk.Content)
	}
	if !done {
		t.Fatalf("stream did not end with [DONE]")
	}
	if got := strings.Join(fragments, ""); got != "Hello there" {
		t.Fatalf("streamed %q", got)
	}

	msgs, err := store.ListMessages(context.Background(), convID, 50)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Hello there" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

func TestChatStreamMidFailure(t *testing.T) {
	srv, store := newTestServer(t, 20, &replayProvider{
		fragments: []string{"partial ", "answer"},
		trailing:  errors.New("connection reset"),
	})

	resp := postChat(t, srv, map[string]any{"message": "hi"})
	defer resp.Body.Close()

	// Headers were already sent when the stream broke; the status stays 200
	// and the failure arrives as the final event.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	convID := resp.Header.Get("X-Conversation-Id")

	var fragments []string
	var errEvent string
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk struct {
			Content string `json:"content"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		if chunk.Error != "" {
			errEvent = chunk.Error
			continue
		}
		fragments = append(fragments, chunk.Content)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if got := strings.Join(fragments, ""); got != "partial answer" {
		t.Fatalf("flushed fragments %q, want %q", got, "partial answer")
	}
	if errEvent == "" {
		t.Fatalf("stream ended without an error event")
	}
	if sawDone {
		t.Fatalf("failed stream must not emit the completion marker")
	}

	// Nothing of the assistant turn survives; the user turn and debit stand.
	msgs, err := store.ListMessages(context.Background(), convID, 50)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Fatalf("expected only the user turn, got %+v", msgs)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv, _ := newTestServer(t, 20, &replayProvider{fragments: []string{"plain ", "reply"}})

	resp := postChat(t, srv, map[string]any{"message": "hi", "stream": false})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var reply struct {
		Reply          string `json:"reply"`
		ConversationID string `json:"conversation_id"`
		Credits        int64  `json:"credits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Reply != "plain reply" {
		t.Fatalf("reply %q", reply.Reply)
	}
	if reply.Credits != 19 {
		t.Fatalf("credits %d, want 19", reply.Credits)
	}
	if reply.ConversationID == "" {
		t.Fatalf("missing conversation id")
	}
}

func TestChatEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t, 20, &replayProvider{fragments: []string{"x"}})

	resp := postChat(t, srv, map[string]any{"message": "   "})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestChatInsufficientCredits(t *testing.T) {
	srv, _ := newTestServer(t, 0, &replayProvider{fragments: []string{"x"}})

	resp := postChat(t, srv, map[string]any{"message": "hi"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", resp.StatusCode)
	}
}

func TestChatCreditsRunOut(t *testing.T) {
	srv, _ := newTestServer(t, 2, &replayProvider{fragments: []string{"ok"}})

	for i := 0; i < 2; i++ {
		resp := postChat(t, srv, map[string]any{"message": "hi", "stream": false})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := postChat(t, srv, map[string]any{"message": "hi", "stream": false})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("third request: status %d, want 402", resp.StatusCode)
	}
}

func TestConversationsAndCredits(t *testing.T) {
	srv, _ := newTestServer(t, 20, &replayProvider{fragments: []string{"answer"}})

	resp := postChat(t, srv, map[string]any{"message": "first question", "stream": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/conversations", nil)
	browserHeaders(req)
	listResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status %d", listResp.StatusCode)
	}
	var convs []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Title != "first question" {
		t.Fatalf("unexpected conversations %+v", convs)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/credits", nil)
	browserHeaders(req)
	creditsResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get credits: %v", err)
	}
	defer creditsResp.Body.Close()
	var credits struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(creditsResp.Body).Decode(&credits); err != nil {
		t.Fatalf("decode credits: %v", err)
	}
	if credits.Credits != 19 {
		t.Fatalf("credits %d, want 19", credits.Credits)
	}
}

func TestIdentityIsolation(t *testing.T) {
	srv, _ := newTestServer(t, 20, &replayProvider{fragments: []string{"mine"}})

	resp := postChat(t, srv, map[string]any{"message": "secret question", "stream": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A different browser fingerprint sees an empty conversation list.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/conversations", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("X-Forwarded-For", "198.51.100.20")
	listResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	defer listResp.Body.Close()
	var convs []json.RawMessage
	if err := json.NewDecoder(listResp.Body).Decode(&convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("foreign identity sees %d conversations", len(convs))
	}
}

func TestChatForeignConversationRejected(t *testing.T) {
	srv, store := newTestServer(t, 20, &replayProvider{fragments: []string{"x"}})

	other, created, err := store.CreateAccount(context.Background(), storage.Account{Fingerprint: "fp-other"}, 0, "")
	if err != nil || !created {
		t.Fatalf("create other account: created=%v err=%v", created, err)
	}
	foreign, err := store.CreateConversation(context.Background(), other.ID, "not yours")
	if err != nil {
		t.Fatalf("create foreign conversation: %v", err)
	}

	resp := postChat(t, srv, map[string]any{"message": "hi", "conversation_id": foreign.ID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, md identity.Metadata) (identity.Resolution, error) {
	return identity.Resolution{}, errors.New("store down")
}

func TestResolverFailureIsServerError(t *testing.T) {
	api := New(Config{Resolver: failingResolver{}, Logger: zerolog.Nop()})
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/credits", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", resp.StatusCode)
	}
}
