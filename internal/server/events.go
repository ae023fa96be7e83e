package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/shiori/internal/ctxutil"
	"github.com/ashita-ai/shiori/internal/model"
)

type nextResult struct {
	entry model.ProgressEntry
	err   error
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events (SSE).
//
// The stream replays the run's progress log from the first entry (or after
// Last-Event-ID) and then follows it live. It ends with a "done" event once
// the run's final entry has been sent.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Last-Event-ID must be a progress seq")
			return
		}
		after = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.pipeline.Subscribe(ctx, ctxutil.OrgIDFromContext(ctx), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Next blocks, so it runs on its own goroutine and the loop below can
	// interleave keepalives. The subscription is only touched there.
	results := make(chan nextResult)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			e, err := sub.Next(ctx)
			select {
			case results <- nextResult{entry: e, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case res := <-results:
			switch {
			case errors.Is(res.err, io.EOF):
				_, _ = w.Write(formatSSE("", "done", map[string]any{"run_id": id}))
				flusher.Flush()
				return
			case res.err != nil:
				if ctx.Err() == nil {
					h.logger.Warn("events: subscription failed", "run_id", id, "error", res.err)
					_, _ = w.Write(formatSSE("", "error", map[string]string{"message": "progress stream interrupted"}))
					flusher.Flush()
				}
				return
			}
			if res.entry.Seq <= after {
				continue
			}
			if _, err := w.Write(formatSSE(strconv.FormatInt(res.entry.Seq, 10), "progress", res.entry)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats one Server-Sent Events message with a JSON payload.
func formatSSE(id, event string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	var b []byte
	if id != "" {
		b = append(b, "id: "+id+"\n"...)
	}
	b = append(b, "event: "+event+"\ndata: "...)
	b = append(b, payload...)
	return append(b, "\n\n"...)
}
