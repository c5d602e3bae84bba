// Package httpserver exposes the runtime over a small JSON HTTP surface,
// with a server-sent-events endpoint for live change feeds.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rzbill/chronicle/internal/cdc"
	"github.com/rzbill/chronicle/internal/eventlog"
	"github.com/rzbill/chronicle/internal/runtime"
	"github.com/rzbill/chronicle/internal/timetravel"
)

type Server struct {
	rt  *runtime.Runtime
	srv *http.Server
	lis net.Listener
}

func New(rt *runtime.Runtime) *Server {
	mux := http.NewServeMux()
	s := &Server{rt: rt, srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/events/append", s.handleAppend)
	mux.HandleFunc("/v1/events/query", s.handleQuery)
	mux.HandleFunc("/v1/events/get", s.handleGet)
	mux.HandleFunc("/v1/entities/history", s.handleHistory)
	mux.HandleFunc("/v1/state/asof", s.handleAsOf)
	mux.HandleFunc("/v1/state/diff", s.handleDiff)
	mux.HandleFunc("/v1/state/rollback", s.handleRollback)
	mux.HandleFunc("/v1/cdc/poll", s.handleCDCPoll)
	mux.HandleFunc("/v1/cdc/checkpoint", s.handleCDCCheckpoint)
	mux.HandleFunc("/v1/cdc/ack", s.handleCDCAck)
	mux.HandleFunc("/v1/cdc/subscribe", s.handleSubscribeSSE)
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type appendReq struct {
	EntityType  string               `json:"entityType"`
	EntityID    string               `json:"entityId"`
	Verb        string               `json:"verb"`
	Conjugation eventlog.Conjugation `json:"conjugation"`
	Before      map[string]any       `json:"before"`
	After       map[string]any       `json:"after"`
	Data        map[string]any       `json:"data"`
	Actor       string               `json:"actor"`
	Context     map[string]any       `json:"context"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req appendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ev, err := s.rt.Log().Append(r.Context(), eventlog.AppendInput{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Verb:        req.Verb,
		Conjugation: req.Conjugation,
		Before:      req.Before,
		After:       req.After,
		Data:        req.Data,
		Actor:       req.Actor,
		Context:     req.Context,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrEmptyEntityType) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := eventlog.Filter{
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Verb:       q.Get("verb"),
		Limit:      intParam(q.Get("limit")),
		Offset:     intParam(q.Get("offset")),
	}
	if ts := msParam(q.Get("sinceMs")); ts != nil {
		f.Since = ts
	}
	if ts := msParam(q.Get("untilMs")); ts != nil {
		f.Until = ts
	}
	events := s.rt.Log().Query(f)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ev, ok := s.rt.Log().Get(r.URL.Query().Get("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	events := s.rt.Log().EntityHistory(q.Get("entityType"), q.Get("entityId"))
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func travelQuery(q map[string][]string, versionKey, asOfKey string) timetravel.Query {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	tq := timetravel.Query{}
	if v := get(versionKey); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			tq.Version = n
		}
	}
	if ts := msParam(get(asOfKey)); ts != nil {
		tq.AsOf = ts
	}
	return tq
}

func (s *Server) handleAsOf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	st := s.rt.Traveler().AsOf(q.Get("entityType"), q.Get("entityId"), travelQuery(q, "version", "asOfMs"))
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history for entity"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	diff := s.rt.Traveler().Diff(q.Get("entityType"), q.Get("entityId"),
		travelQuery(q, "fromVersion", "fromMs"),
		travelQuery(q, "toVersion", "toMs"))
	writeJSON(w, http.StatusOK, diff)
}

type rollbackReq struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Version    uint64 `json:"version"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rollbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ev, st, err := s.rt.Traveler().Rollback(r.Context(), req.EntityType, req.EntityID,
		timetravel.Query{Version: req.Version})
	if err != nil {
		if errors.Is(err, timetravel.ErrNothingToRollBackTo) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": ev, "state": st})
}

type cdcPollReq struct {
	After     string   `json:"after"`
	SinceMs   int64    `json:"sinceMs"`
	Types     []string `json:"types"`
	Verbs     []string `json:"verbs"`
	Filter    string   `json:"filter"`
	BatchSize int      `json:"batchSize"`
}

func (s *Server) handleCDCPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cdcPollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	opts := cdc.PollOptions{
		CDCOptions: eventlog.CDCOptions{
			After:     req.After,
			Types:     req.Types,
			Verbs:     req.Verbs,
			BatchSize: req.BatchSize,
		},
		Filter: req.Filter,
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.rt.Config().CDCBatchSize
	}
	if req.SinceMs > 0 {
		since := time.UnixMilli(req.SinceMs)
		opts.Since = &since
	}
	res, err := s.rt.CDC().Poll(opts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  res.Events,
		"cursor":  res.Cursor,
		"hasMore": res.HasMore,
	})
}

type cdcCheckpointReq struct {
	Consumer string `json:"consumer"`
	Cursor   string `json:"cursor"`
}

func (s *Server) handleCDCCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cdcCheckpointReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.rt.CDC().Checkpoint(req.Consumer, req.Cursor); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cdcAckReq struct {
	Consumer string   `json:"consumer"`
	EventIDs []string `json:"eventIds"`
}

func (s *Server) handleCDCAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cdcAckReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.rt.CDC().Acknowledge(req.Consumer, req.EventIDs...); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	stream, err := cdc.NewSSEStream(s.rt.Log(), cdc.SSEOptions{
		Types:     q["type"],
		Verbs:     q["verb"],
		Filter:    q.Get("filter"),
		KeepAlive: s.rt.Config().SSEKeepAlive,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case frame, ok := <-stream.Lines():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func msParam(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	ts := time.UnixMilli(ms)
	return &ts
}
