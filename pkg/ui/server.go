package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/metrics"
	"github.com/clusterfs/snaptool/pkg/planner"
	"github.com/rs/zerolog"
)

// Progress exposes the worker's recent activity to the UI.
type Progress interface {
	Recent() []string
}

// QueueInfo reports the background queue depth.
type QueueInfo interface {
	QueueDepth() int
}

// Server is the read-only status HTTP surface: an HTML overview, a JSON
// status document, Prometheus metrics, and the health probes.
type Server struct {
	planner  *planner.Planner
	progress Progress
	queue    QueueInfo
	version  string
	logger   zerolog.Logger
	httpSrv  *http.Server
}

// New creates the status server.
func New(p *planner.Planner, progress Progress, queue QueueInfo, version string) *Server {
	return &Server{
		planner:  p,
		progress: progress,
		queue:    queue,
		version:  version,
		logger:   log.WithComponent("ui"),
	}
}

// Start serves on host:port in the background. Port 0 disables the UI.
func (s *Server) Start(host string, port int) {
	if port == 0 {
		s.logger.Info().Msg("Status UI disabled")
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info().Str("addr", addr).Msg("Status UI listening")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status UI server error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

type statusDocument struct {
	Version    string         `json:"version"`
	Time       time.Time      `json:"time"`
	QueueDepth int            `json:"queue_depth"`
	Schedules  planner.Status `json:"schedules"`
	Recent     []string       `json:"recent,omitempty"`
}

func (s *Server) document() statusDocument {
	return statusDocument{
		Version:    s.version,
		Time:       time.Now(),
		QueueDepth: s.queue.QueueDepth(),
		Schedules:  s.planner.Status(),
		Recent:     s.progress.Recent(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.document())
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<title>snaptool</title>
<meta http-equiv="refresh" content="30">
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 8px; text-align: left; }
h2 { margin-top: 1.5em; }
.err { color: #a00; }
</style>
</head>
<body>
<h1>snaptool {{.Version}}</h1>
<p>{{.Time}} &mdash; background queue depth: {{.QueueDepth}}</p>

<h2>Schedules</h2>
{{range .Schedules.Groups}}
<h3>{{.Name}} &mdash; filesystems: {{range .Filesystems}}{{.}} {{end}}</h3>
<table>
<tr><th>entry</th><th>next snapshot</th><th>retain</th><th>upload</th><th>detail</th></tr>
{{range .Entries}}
<tr><td>{{.Name}}</td><td>{{.NextFire}}</td><td>{{.Retain}}</td><td>{{.Upload}}</td><td>{{.Detail}}</td></tr>
{{end}}
</table>
{{end}}

{{if .Schedules.IgnoredErrors}}
<h2 class="err">Ignored config errors</h2>
<ul>
{{range .Schedules.IgnoredErrors}}<li class="err">{{.}}</li>{{end}}
</ul>
{{end}}

<h2>Recent activity</h2>
<pre>{{range .Recent}}{{.}}
{{end}}</pre>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.document()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render status page")
	}
}
