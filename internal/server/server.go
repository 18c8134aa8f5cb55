package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"deepfield/internal/pipeline"
	"deepfield/internal/storage"
)

// Queue is the part of the pipeline the server drives.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes job submission, status and result streams over HTTP, and
// a gRPC health service.
type Server struct {
	addr     string
	grpcAddr string
	store    *storage.Store
	queue    Queue
	log      *slog.Logger
	hub      *hub
	health   *health.Server
	server   *http.Server
}

// NewServer creates a server. grpcAddr may be empty to skip the health
// service.
func NewServer(addr, grpcAddr string, store *storage.Store, queue Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		grpcAddr: grpcAddr,
		store:    store,
		queue:    queue,
		log:      log,
		hub:      newHub(log),
		health:   health.NewServer(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/reductions/{id}", s.handleReduction).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.run(ctx)
	go s.relay(ctx)

	var gs *grpc.Server
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.grpcAddr, err)
		}
		gs = s.serveHealth(lis)
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		s.health.Shutdown()
		if gs != nil {
			gs.GracefulStop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr, "grpc_addr", s.grpcAddr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// serveHealth registers the standard health service on lis.
func (s *Server) serveHealth(lis net.Listener) *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("deepfield.Pipeline", healthpb.HealthCheckResponse_SERVING)
	go func() {
		if err := gs.Serve(lis); err != nil {
			s.log.Warn("grpc health server stopped", "error", err)
		}
	}()
	return gs
}

// Serve runs a server until ctx is cancelled.
func Serve(ctx context.Context, addr, grpcAddr string, store *storage.Store, queue Queue, log *slog.Logger) error {
	return NewServer(addr, grpcAddr, store, queue, log).Start(ctx)
}

// jobEvent is the wire form of a pipeline result.
type jobEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func eventOf(res pipeline.Result) jobEvent {
	ev := jobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// relay forwards pipeline results to websocket clients.
func (s *Server) relay(ctx context.Context) {
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventOf(res))
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			default:
				s.log.Warn("websocket broadcast full", "job", res.Job.ID)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	jt, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%s", jt, uuid.NewString()[:8])
	}
	job := pipeline.Job{ID: req.ID, Type: jt, InputPath: req.Input, Output: req.Output, Options: req.Options}
	if err := s.queue.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job submitted", "id", job.ID, "type", job.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

// jobDetail is the body of GET /jobs/{id}.
type jobDetail struct {
	storage.JobRecord
	Meta     map[string]any         `json:"meta,omitempty"`
	Offsets  []storage.OffsetRecord `json:"offsets,omitempty"`
	Products []string               `json:"products,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := jobDetail{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		detail.Meta = meta
	}
	if offs, err := s.store.Offsets(id); err == nil {
		detail.Offsets = offs
	}
	if products, err := s.store.Products(id); err == nil {
		detail.Products = products
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReduction(w http.ResponseWriter, r *http.Request) {
	var summary map[string]any
	err := s.store.Reduction(mux.Vars(r)["id"], &summary)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "reduction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
