package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tilemontage/internal/config"
	"tilemontage/internal/montage"
	"tilemontage/internal/pipeline"
	"tilemontage/internal/storage"
)

// Jobs is the part of the pipeline the server drives.
type Jobs interface {
	Submit(job pipeline.Job) error
	Cancel(jobID string) bool
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes montage runs over HTTP, a websocket event feed and an
// optional gRPC health endpoint.
type Server struct {
	addr     string
	grpcAddr string
	store    *storage.Store
	jobs     Jobs
	defaults config.Montage
	log      *slog.Logger
	server   *http.Server
	hub      *eventHub
	upgrader websocket.Upgrader
	newID    func() string
}

// NewServer creates a server. A nil logger uses slog.Default.
func NewServer(cfg config.Server, defaults config.Montage, store *storage.Store, jobs Jobs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     cfg.Addr,
		grpcAddr: cfg.GRPCAddr,
		store:    store,
		jobs:     jobs,
		defaults: defaults,
		log:      log,
		hub:      newEventHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: uuid.NewString,
	}
}

// Start serves until ctx is done and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.startEvents(ctx)

	if s.grpcAddr != "" {
		go func() {
			if err := s.serveGRPC(ctx); err != nil {
				s.log.Error("gRPC listener stopped", "addr", s.grpcAddr, "error", err)
			}
		}()
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve builds a server from the config sections and runs it.
func Serve(ctx context.Context, cfg *config.Config, store *storage.Store, jobs Jobs, log *slog.Logger) error {
	return NewServer(cfg.Server, cfg.Montage, store, jobs, log).Start(ctx)
}

// startEvents runs the websocket hub and feeds it pipeline events.
func (s *Server) startEvents(ctx context.Context) {
	go s.hub.run(ctx)
	events, unsubscribe := s.jobs.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(newEventMessage(ev))
				if err != nil {
					continue
				}
				s.hub.send(payload)
			}
		}
	}()
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/montages", s.handleSubmit).Methods("POST")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/tiles", s.handleRunTiles).Methods("GET")
	r.HandleFunc("/api/runs/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/api/events", s.handleEventStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// montageRequest is the body of POST /api/montages. Unset fields take the
// server's montage defaults; a zero grid size is inferred from the tiles.
type montageRequest struct {
	Type               pipeline.JobType      `json:"type"`
	InputPath          string                `json:"input_path"`
	Rows               int                   `json:"rows"`
	Cols               int                   `json:"cols"`
	OverlapPercent     *float64              `json:"overlap_percent"`
	ManualOverlap      *bool                 `json:"manual_overlap"`
	AttributeMatrix    string                `json:"attribute_matrix"`
	DataArray          string                `json:"data_array"`
	PeakInterpolation  string                `json:"peak_interpolation"`
	StreamSubdivisions uint                  `json:"stream_subdivisions"`
	Engine             string                `json:"engine"`
	AllowGaps          *bool                 `json:"allow_gaps"`
	Tiles              []string              `json:"tiles"`
	UseImageMagick     bool                  `json:"use_imagemagick"`
	Origins            map[string][2]float64 `json:"origins"`
}

func (req montageRequest) plan() config.Plan {
	return config.Plan{
		Rows:               req.Rows,
		Cols:               req.Cols,
		OverlapPercent:     req.OverlapPercent,
		ManualOverlap:      req.ManualOverlap,
		AttributeMatrix:    req.AttributeMatrix,
		DataArray:          req.DataArray,
		PeakInterpolation:  req.PeakInterpolation,
		StreamSubdivisions: req.StreamSubdivisions,
		Engine:             req.Engine,
		AllowGaps:          req.AllowGaps,
		Tiles:              req.Tiles,
		Origins:            req.Origins,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req montageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.InputPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("input_path is required"))
		return
	}
	typ := req.Type
	switch typ {
	case "":
		typ = pipeline.JobGenerate
	case pipeline.JobGenerate, pipeline.JobPreflight:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown job type: "+string(typ)))
		return
	}

	job, err := pipeline.JobFromPlan(typ, req.InputPath, req.plan(), s.defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job.ID = s.newID()
	job.UseImageMagick = req.UseImageMagick
	if err := s.jobs.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.log.Info("montage submitted", "run_id", job.ID, "input", job.InputPath, "type", job.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": storage.StatusQueued})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunTiles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	tiles, err := s.store.RunTiles(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tiles == nil {
		tiles = []storage.TileRecord{}
	}
	writeJSON(w, http.StatusOK, tiles)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.jobs.Cancel(id) {
		writeError(w, http.StatusConflict, errors.New("run is not running"))
		return
	}
	s.log.Info("montage cancel requested", "run_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newEventMessage(ev))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// eventMessage is the JSON form of a pipeline event.
type eventMessage struct {
	JobID    string            `json:"job_id"`
	Progress *montage.Progress `json:"progress,omitempty"`
	Result   *resultMessage    `json:"result,omitempty"`
}

type resultMessage struct {
	Code  int            `json:"code"`
	Name  string         `json:"name"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func newEventMessage(ev pipeline.Event) eventMessage {
	msg := eventMessage{JobID: ev.JobID, Progress: ev.Progress}
	if ev.Result != nil {
		msg.Result = &resultMessage{
			Code: int(ev.Result.Code),
			Name: ev.Result.Code.String(),
			Meta: ev.Result.Meta,
		}
		if ev.Result.Error != nil {
			msg.Result.Error = ev.Result.Error.Error()
		}
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	var me *montage.Error
	if errors.As(err, &me) {
		body["code"] = int(me.Code)
		body["name"] = me.Code.String()
	}
	writeJSON(w, status, body)
}
