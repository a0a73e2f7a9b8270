// Package bridge exposes the session engine to a browser over a WebSocket.
// The browser is the microphone and the speaker: it streams PCM up and
// schedules the agent's audio on its own clock.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/observability"
	"github.com/krushimitra/voice-engine/internal/persona"
	"github.com/krushimitra/voice-engine/internal/recording"
	"github.com/krushimitra/voice-engine/internal/resilience"
	"github.com/krushimitra/voice-engine/internal/transport"
)

// Options configures the bridge server
type Options struct {
	Transport transport.Transport
	Policy    resilience.Policy
	Timers    resilience.Timers

	Recordings   *recording.Store
	RecordingDir string
	// PublicURL prefixes recording links; empty gives relative links
	PublicURL string

	Model    string
	Voice    string
	Language persona.Language
	Crop     string

	InputSampleRate  int
	OutputSampleRate int
	CaptureFrameSize int
	SendQueueSize    int
	VAD              *audio.VADConfig

	Logger zerolog.Logger
}

// Server accepts browser sessions and serves their recordings
type Server struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*clientSession]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a bridge server
func NewServer(opts Options) *Server {
	if opts.Recordings == nil {
		opts.Recordings = recording.NewStore()
	}
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = audio.InputSampleRate
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = audio.OutputSampleRate
	}
	if opts.CaptureFrameSize <= 0 {
		opts.CaptureFrameSize = audio.FrameLength
	}

	return &Server{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "bridge"),
		upgrader: websocket.Upgrader{
			// Browsers connect from the UI origin, which may differ from ours
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
		},
		sessions: make(map[*clientSession]struct{}),
	}
}

// Routes registers the bridge endpoints on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/sessions/ws", s.HandleSessionWS())
	mux.HandleFunc("GET /recordings/{id}", s.HandleDownload())
	mux.HandleFunc("DELETE /recordings/{id}", s.HandleDiscard())
}

// HandleSessionWS upgrades the request and runs one client session until
// the socket closes
func (s *Server) HandleSessionWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		cs := newClientSession(s, conn)
		if !s.track(cs) {
			conn.Close()
			return
		}
		defer s.untrack(cs)

		cs.logger.Info().Str("remote", r.RemoteAddr).Msg("Browser session connected")
		cs.run()
		cs.logger.Info().Msg("Browser session disconnected")
	}
}

func (s *Server) track(cs *clientSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[cs] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(cs *clientSession) {
	s.mu.Lock()
	delete(s.sessions, cs)
	s.mu.Unlock()
	s.wg.Done()
}

// ActiveSessions returns the number of connected browsers
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown disconnects every browser, which stops their sessions and
// finalizes recordings, and waits for them to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for cs := range sessions {
		cs.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleDownload serves a finalized recording
func (s *Server) HandleDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		art, ok := s.opts.Recordings.Get(r.PathValue("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}

		f, err := art.Open()
		if err != nil {
			s.logger.Warn().Err(err).Str("recording_id", art.ID).Msg("Recording file missing")
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", art.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.FileName))
		http.ServeContent(w, r, art.FileName, art.CreatedAt, f)
	}
}

// HandleDiscard deletes a recording. Unknown ids are not an error.
func (s *Server) HandleDiscard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.opts.Recordings.Discard(id); err != nil {
			s.logger.Error().Err(err).Str("recording_id", id).Msg("Failed to discard recording")
			http.Error(w, "failed to discard recording", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) recordingURL(id string) string {
	return strings.TrimRight(s.opts.PublicURL, "/") + "/recordings/" + id
}
