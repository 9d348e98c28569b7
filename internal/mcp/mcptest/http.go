package mcptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
)

// StreamHandler serves streamable HTTP on /mcp. Replies are sent as a
// single-event stream; notifications get 202. The first initialize
// assigns sessionID, which later requests must echo.
func (s *Server) StreamHandler(sessionID string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(r)
		if sessionID != "" && methodOf(body) != "initialize" && r.Header.Get("Mcp-Session-Id") != sessionID {
			http.Error(w, "missing or unknown session", http.StatusBadRequest)
			return
		}

		out := s.Handle(body)
		if sessionID != "" {
			w.Header().Set("Mcp-Session-Id", sessionID)
		}
		if out == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", out)
	})
	mux.HandleFunc("DELETE /mcp", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.methods = append(s.methods, "DELETE "+r.Header.Get("Mcp-Session-Id"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func methodOf(body []byte) string {
	var msg message
	_ = json.Unmarshal(body, &msg)
	return msg.Method
}

// SSEHandler serves the SSE transport: GET /sse opens the stream and
// announces /messages as the endpoint; POST /messages is answered with
// 202 and the reply is written to the stream.
func (s *Server) SSEHandler() http.Handler {
	var (
		mu      sync.Mutex
		streams []chan []byte
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch := make(chan []byte, 16)
		mu.Lock()
		streams = append(streams, ch)
		mu.Unlock()
		defer func() {
			mu.Lock()
			streams = slices.DeleteFunc(streams, func(c chan []byte) bool { return c == ch })
			mu.Unlock()
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages?session=1\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case out := <-ch:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", out)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		out := s.Handle(readBody(r))
		if out != nil {
			mu.Lock()
			for _, ch := range streams {
				ch <- out
			}
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func readBody(r *http.Request) []byte {
	data, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	return data
}
