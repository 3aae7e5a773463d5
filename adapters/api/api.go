// Package api exposes a pipeline client over HTTP.
//
// One POST endpoint executes command pipelines, read endpoints publish
// the shard table the client routes by. The handler is plain [http.Handler];
// mount it wherever the process serves HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

const contentTypeJSON = "application/json"

type Options struct {
	Client *slotpipe.Client
	Log    *slog.Logger // Log for diagnostics (optional)
}

type Server struct {
	client *slotpipe.Client
	log    *slog.Logger
}

func NewServer(opts Options) (*Server, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("api: Options.Client is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		client: opts.Client,
		log:    log.With(slog.String("component", "api")),
	}, nil
}

// Handler builds the route tree:
//
//	POST /pipeline          execute a command pipeline
//	GET  /topology          current shard table
//	POST /topology/refresh  force a shard table reload
//	GET  /healthz           liveness
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/topology", s.handleTopology)
	r.Post("/topology/refresh", s.handleRefresh)
	r.Post("/pipeline", s.handlePipeline)

	return r
}

/* ---------------------- request/response bodies ---------------------- */

type PipelineRequest struct {
	Commands []command.Command `json:"commands"`
}

// ResultBody carries one command outcome. A missing key is an empty
// object: no value, no error.
type ResultBody struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type PipelineResponse struct {
	Results []ResultBody `json:"results"`
}

type TopologyResponse struct {
	Nodes   []string             `json:"nodes"`
	Ranges  []topology.SlotRange `json:"ranges"`
	Covered int                  `json:"covered"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

/* ---------------------- handlers ---------------------- */

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("decoding request: %s", err)})
		return
	}

	results, err := s.client.Do(r.Context(), req.Commands)
	if err != nil {
		s.log.Error("pipeline failed", slog.Any("error", err), slog.Int("commands", len(req.Commands)))
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := PipelineResponse{Results: make([]ResultBody, len(results))}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i] = ResultBody{Error: res.Err.Error()}
			continue
		}
		resp.Results[i] = ResultBody{Value: res.Value}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	snap := s.client.Topology().Current()
	if snap.Empty() {
		// nothing cached yet, try a load; an empty table is still an answer
		if fresh, err := s.client.Topology().Refresh(r.Context()); err == nil {
			snap = fresh
		}
	}
	s.writeJSON(w, http.StatusOK, topologyResponse(snap))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.client.Topology().Refresh(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, topologyResponse(snap))
}

/* ---------------------- internals ---------------------- */

func topologyResponse(snap *topology.Snapshot) TopologyResponse {
	return TopologyResponse{
		Nodes:   snap.Nodes(),
		Ranges:  snap.Ranges(),
		Covered: snap.Covered(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("encoding response failed", slog.Any("error", err))
	}
}
