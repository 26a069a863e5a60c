package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/discord-voice-lab/companion/internal/logging"
	"github.com/discord-voice-lab/companion/internal/voice"
)

// Server is the status surface. It is also the pipeline's observer, so
// every phase change, stage result, drop and stop lands in both the
// metrics and the event stream.
type Server struct {
	Metrics *Metrics
	Hub     *Hub

	srv *http.Server
}

var _ voice.Observer = (*Server)(nil)

func NewServer() *Server {
	return &Server{Metrics: NewMetrics(""), Hub: NewHub()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.Handle("/events", s.Hub)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("status server stopped", "err", err)
		}
	}()
	logging.Infow("status server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) PhaseChanged(channelID string, from, to voice.Phase) {
	s.Metrics.RecordPhase(from.String(), to.String())
	s.Hub.Broadcast(Event{Type: "phase", ChannelID: channelID, From: from.String(), To: to.String()})
}

func (s *Server) StageFinished(stage string, took time.Duration, err error) {
	s.Metrics.RecordStage(stage, took, err)
	ev := Event{Type: "stage", Stage: stage, TookMS: took.Milliseconds()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.Hub.Broadcast(ev)
}

func (s *Server) UtteranceDropped(channelID, reason string) {
	s.Metrics.UtterancesDrop.WithLabelValues(reason).Inc()
	s.Hub.Broadcast(Event{Type: "drop", ChannelID: channelID, Reason: reason})
}

func (s *Server) LoopStopped(channelID string, reason voice.StopReason) {
	s.Metrics.LoopStops.WithLabelValues(string(reason)).Inc()
	s.Hub.Broadcast(Event{Type: "stop", ChannelID: channelID, Reason: string(reason)})
}
