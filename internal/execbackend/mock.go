package execbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Mock is an in-process Runner for development and tests. It never talks to
// the network and produces deterministic output derived from the request.
type Mock struct {
	// Delay simulates backend latency.
	Delay time.Duration
}

// Run returns a canned result echoing the request shape.
func (m *Mock) Run(ctx context.Context, req Request) (Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[mock %s] %d byte(s) of code", req.Language, len(req.Code))
	if input := strings.TrimSpace(req.Input); input != "" {
		fmt.Fprintf(&b, ", stdin: %s", input)
	}
	return Result{Output: b.String()}, nil
}

// Handler serves the backend HTTP contract using the provided Runner,
// so the mock can also stand in as a standalone backend process.
func Handler(runner Runner) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ExecutePath, func(w http.ResponseWriter, r *http.Request) {
		log := pslog.Ctx(r.Context())
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read request", http.StatusBadRequest)
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			http.Error(w, "decode request", http.StatusBadRequest)
			return
		}
		result, err := runner.Run(r.Context(), req)
		if err != nil {
			log.Warn("mock backend run failed", "err", err)
			http.Error(w, "execution failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Warn("mock backend encode failed", "err", err)
		}
		log.Info("mock backend executed", "language", req.Language, "code_len", len(req.Code))
	})
	return mux
}
