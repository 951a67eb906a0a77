package engine

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/BadgerOps/ijec/internal/remote"
)

// mockService implements the remote HTTP contract in memory.
type mockService struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	nextToken int
	live      map[string]bool
	calls     map[string]int
	ended     []string

	plan     remote.UploadPlan
	expected int64  // next byte offset the service wants
	uploaded []byte // assembled upload
	chunkIDs []int64

	// failAt makes the chunk arriving at a given offset fail with HTTP 500
	// the given number of times.
	failAt map[int64]int
	// outOfOrderAt answers the chunk arriving at a given offset with code 2
	// and the mapped cursor, once.
	outOfOrderAt map[int64]int64
	// staleAckAt acknowledges the chunk arriving at a given offset with the
	// mapped cursor instead of the real one, once, and drops the chunk.
	staleAckAt map[int64]int64

	pollsUntilFinish int
	polls            int
	onPoll           func(n int)
	result           []byte
}

func newMockService(t *testing.T) *mockService {
	t.Helper()
	m := &mockService{
		t:                t,
		live:             make(map[string]bool),
		calls:            make(map[string]int),
		failAt:           make(map[int64]int),
		outOfOrderAt:     make(map[int64]int64),
		staleAckAt:       make(map[int64]int64),
		pollsUntilFinish: 1,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockService) client() *remote.Client {
	return remote.NewClient(m.server.URL, "app", "secret", m.server.Client(), discardLogger())
}

func (m *mockService) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// issueLiveToken registers a token as if an earlier process obtained it.
func (m *mockService) issueLiveToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[token] = true
}

func reply(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "data": data})
}

func (m *mockService) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[r.URL.Path]++

	if r.Header.Get("app-id") != "app" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := r.Header.Get("token")

	switch r.URL.Path {
	case remote.PathGetToken:
		if r.Header.Get("app-secret") != "secret" {
			reply(w, 1, nil)
			return
		}
		m.nextToken++
		tok := fmt.Sprintf("tok-%d", m.nextToken)
		m.live[tok] = true
		reply(w, 0, map[string]any{"token": tok})

	case remote.PathTokenState:
		if !m.live[token] {
			reply(w, 1, nil)
			return
		}
		reply(w, 0, nil)

	case remote.PathUploadCreate:
		if err := json.Unmarshal(body, &m.plan); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.uploaded = make([]byte, m.plan.Size)
		reply(w, 0, nil)

	case remote.PathUploadChunk:
		sum := md5.Sum(body)
		if r.Header.Get("hash") != hex.EncodeToString(sum[:]) {
			m.t.Errorf("chunk hash mismatch at offset %d", m.expected)
		}
		if n := m.failAt[m.expected]; n > 0 {
			m.failAt[m.expected] = n - 1
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if cur, ok := m.outOfOrderAt[m.expected]; ok {
			delete(m.outOfOrderAt, m.expected)
			m.expected = cur
			reply(w, remote.CodeChunkOutOfOrder, map[string]any{"current": cur})
			return
		}
		if cur, ok := m.staleAckAt[m.expected]; ok {
			delete(m.staleAckAt, m.expected)
			reply(w, 0, map[string]any{"current": cur})
			return
		}
		id, _ := strconv.ParseInt(r.Header.Get("chunk-id"), 10, 64)
		m.chunkIDs = append(m.chunkIDs, id)
		if m.uploaded == nil {
			m.uploaded = make([]byte, 0)
		}
		if end := m.expected + int64(len(body)); end <= int64(len(m.uploaded)) {
			copy(m.uploaded[m.expected:end], body)
		}
		m.expected += int64(len(body))
		reply(w, 0, map[string]any{"current": m.expected})

	case remote.PathStart:
		reply(w, 0, nil)

	case remote.PathState:
		m.polls++
		if m.onPoll != nil {
			m.onPoll(m.polls)
		}
		finish := m.polls >= m.pollsUntilFinish
		process := 100
		if !finish {
			process = m.polls * 100 / m.pollsUntilFinish
		}
		reply(w, 0, map[string]any{"process": process, "finish": finish})

	case remote.PathDownload:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(m.result)

	case remote.PathEnd:
		m.ended = append(m.ended, token)
		delete(m.live, token)
		reply(w, 0, nil)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
