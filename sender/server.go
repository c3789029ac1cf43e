package sender

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"

	"dex/consensus"
	"dex/logs"
	"dex/middleware"
	"dex/types"
)

// RoundRouter is the subset of RoundManager the HTTP server needs to
// deliver an incoming wire message and to accept a fresh
// NotifyFacilitatorRequest.
type RoundRouter interface {
	RouteMessage(ctx context.Context, roundID types.RoundID, msg interface{}) error
	ParticipateInRound(ctx context.Context, req types.NotifyFacilitatorRequest) (*types.ConsensusInfo, error)
}

// Server is the HTTPS listener the reference tree's SenderManager paired
// with an HTTP/3 transport; here it terminates plain TLS 1.3 and decodes
// JSON bodies into the same four round-message types Sender.postJSON
// serializes on the way out.
type Server struct {
	router  RoundRouter
	limiter *middleware.Limiter
}

// NewServer builds a Server. limiter may be nil to skip rate limiting.
func NewServer(router RoundRouter, limiter *middleware.Limiter) *Server {
	return &Server{router: router, limiter: limiter}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathNotify, s.handleNotify)
	mux.HandleFunc(pathDataP, s.handleDataProposal)
	mux.HandleFunc(pathUnionP, s.handleUnionProposal)
	mux.HandleFunc(pathSelectP, s.handleSelected)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Handler(h)
	}
	return h
}

// ListenAndServeTLS runs the listener until ctx is done.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr, certPath, keyPath string) error {
	srv := &http.Server{
		Addr:      addr,
		Handler:   s.Handler(),
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS13},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv.ListenAndServeTLS(certPath, keyPath)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req types.NotifyFacilitatorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.router.ParticipateInRound(r.Context(), req); err != nil {
		var roundErr *consensus.RoundError
		if errors.As(err, &roundErr) && roundErr.Kind == consensus.ErrInvalidNodeState {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		logs.Warn("sender: participate in round %s failed: %v", req.RoundID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDataProposal(w http.ResponseWriter, r *http.Request) {
	var msg types.ConsensusDataProposal
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.router.RouteMessage(r.Context(), msg.RoundID, msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnionProposal(w http.ResponseWriter, r *http.Request) {
	var msg types.UnionBlockProposal
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.router.RouteMessage(r.Context(), msg.RoundID, msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSelected(w http.ResponseWriter, r *http.Request) {
	var msg types.SelectedUnionBlock
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.router.RouteMessage(r.Context(), msg.RoundID, msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
