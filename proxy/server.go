package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/arifur/strong-forward-gateway/routing"
	log "github.com/sirupsen/logrus"
)

// Server is the inbound HTTP front end of the gateway
type Server struct {
	matcher      *routing.Matcher
	orchestrator *Orchestrator
	maxBodyBytes int64

	httpServer *http.Server
}

func NewServer(address string, matcher *routing.Matcher, orchestrator *Orchestrator, maxBodyBytes int64) *Server {
	s := &Server{
		matcher:      matcher,
		orchestrator: orchestrator,
		maxBodyBytes: maxBodyBytes,
	}
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP matches the request to a rule and forwards it
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if s.maxBodyBytes > 0 {
			reader = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		var err error
		body, err = io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
	}

	rule, ok := s.matcher.Match(r.Context(), r.Method, r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no rule matches %s %s", r.Method, r.URL.Path))
		return
	}

	req := &models.ProxyRequest{
		Method:   r.Method,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
		ClientIP: ClientIP(r),
	}

	resp := s.orchestrator.Forward(r.Context(), req, rule)
	if r.Context().Err() != nil {
		// client left while the upstream was answering
		resp.Discard()
		return
	}
	resp.Send(r.Context(), w)
}

// ClientIP returns the originating client address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ListenAndServe blocks until the server stops
func (s *Server) ListenAndServe() error {
	log.Infof("Starting proxy server on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
