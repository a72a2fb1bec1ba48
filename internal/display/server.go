package display

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/camwatch/internal/logging"
)

const (
	streamBoundary = "camwatchframe"
	jpegQuality    = 80
)

// feed holds the newest encoded view of one identity. notify is closed and
// replaced whenever a new view is stored.
type feed struct {
	name   string
	jpeg   []byte
	seq    uint64
	notify chan struct{}
}

// Server is an HTTP sink. It serves the latest view of every identity as a
// still image and as an MJPEG stream, plus a JSON status document.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	status     func() any
	logger     *slog.Logger

	mu    sync.RWMutex
	feeds map[string]*feed
	order []string

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server for the given identities. status, if set,
// provides the body of GET /status.
func NewServer(bind string, identities []string, status func() any, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		router: r,
		status: status,
		logger: logging.NewComponentLogger(logger, "display"),
		feeds:  make(map[string]*feed, len(identities)),
		done:   make(chan struct{}),
	}
	slugs := Slugs(identities)
	for _, name := range identities {
		slug := slugs[name]
		s.feeds[slug] = &feed{name: name, notify: make(chan struct{})}
		s.order = append(s.order, slug)
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/identities/{slug}.jpg", s.handleSnapshot)
	r.Get("/identities/{slug}/stream", s.handleStream)

	s.httpServer = &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

// Start listens on the bind address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("serving views", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http display stopped", "error", err)
		}
	}()
	return nil
}

// Show encodes and stores every view.
func (s *Server) Show(views []View) error {
	for _, v := range views {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, v.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("encode view %s: %w", v.Identity, err)
		}
		slug := v.Slug
		if slug == "" {
			slug = Slug(v.Identity)
		}
		s.mu.Lock()
		if f, ok := s.feeds[slug]; ok {
			f.jpeg = buf.Bytes()
			f.seq++
			close(f.notify)
			f.notify = make(chan struct{})
		}
		s.mu.Unlock()
	}
	return nil
}

// Close shuts the listener down, ending open streams.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

type identityLink struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Snapshot string `json:"snapshot"`
	Stream   string `json:"stream"`
	Ready    bool   `json:"ready"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	links := make([]identityLink, 0, len(s.order))
	for _, slug := range s.order {
		f := s.feeds[slug]
		links = append(links, identityLink{
			Name:     f.name,
			Slug:     slug,
			Snapshot: "/identities/" + slug + ".jpg",
			Stream:   "/identities/" + slug + "/stream",
			Ready:    f.jpeg != nil,
		})
	}
	s.mu.RUnlock()
	respondJSON(w, http.StatusOK, map[string]any{"identities": links})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) latest(slug string) (data []byte, seq uint64, notify <-chan struct{}, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[slug]
	if !ok {
		return nil, 0, nil, false
	}
	return f.jpeg, f.seq, f.notify, true
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, _, _, ok := s.latest(chi.URLParam(r, "slug"))
	if !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if data == nil {
		respondError(w, http.StatusServiceUnavailable, "no view rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, _, _, ok := s.latest(slug); !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var sent uint64
	for {
		data, seq, notify, _ := s.latest(slug)
		if data != nil && seq != sent {
			if err := writePart(w, data); err != nil {
				return
			}
			flusher.Flush()
			sent = seq
		}
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-notify:
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
