package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity-dev/scaffold/internal/goalstore"
)

// Server exposes a Prometheus-text /metrics snapshot over HTTP, adapted
// from cortex's internal/api.Server.handleMetrics — goal/action counts
// by status and per-goal queue depth instead of dispatch/claim-lease
// counters, since this repo's tool surface is otherwise LLM-facing, not
// HTTP-facing.
type Server struct {
	orch       *Orchestrator
	bind       string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer builds a metrics Server bound to addr (e.g. "127.0.0.1:8791").
func NewServer(orch *Orchestrator, bind string, logger *slog.Logger) *Server {
	return &Server{orch: orch, bind: bind, logger: logger}
}

// Start begins listening. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("metrics server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	goals, err := s.orch.Goals.ListGoals()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	goalsByStatus := map[string]int{}
	var queueDepth int
	for _, g := range goals {
		goalsByStatus[g.Status.String()]++
		if n, err := s.orch.Queue.PendingCount(g.QueueName); err == nil {
			queueDepth += n
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# HELP scaffold_goals_total Goals by status\n")
	fmt.Fprintf(&b, "# TYPE scaffold_goals_total gauge\n")
	for _, status := range []string{"planning", "active", "paused", "completed", "failed"} {
		fmt.Fprintf(&b, "scaffold_goals_total{status=%q} %d\n", status, goalsByStatus[status])
	}

	actionsByStatus := map[string]int{}
	for _, g := range goals {
		for _, status := range []string{"pending", "running", "completed", "failed", "skipped"} {
			as, ok := goalstore.ParseActionStatus(status)
			if !ok {
				continue
			}
			n, err := s.orch.Actions.CountByStatus(g.ID, as)
			if err != nil {
				continue
			}
			actionsByStatus[status] += n
		}
	}
	fmt.Fprintf(&b, "# HELP scaffold_actions_total Actions by status\n")
	fmt.Fprintf(&b, "# TYPE scaffold_actions_total gauge\n")
	for _, status := range []string{"pending", "running", "completed", "failed", "skipped"} {
		fmt.Fprintf(&b, "scaffold_actions_total{status=%q} %d\n", status, actionsByStatus[status])
	}

	fmt.Fprintf(&b, "# HELP scaffold_work_queue_depth_total Pending work items across every goal's queue\n")
	fmt.Fprintf(&b, "# TYPE scaffold_work_queue_depth_total gauge\n")
	fmt.Fprintf(&b, "scaffold_work_queue_depth_total %d\n", queueDepth)

	w.Write([]byte(b.String()))
}
