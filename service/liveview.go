package service

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/runtime/state"
)

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type liveProcess struct {
	PID       uint32     `json:"pid"`
	Name      string     `json:"name"`
	StartTime *time.Time `json:"start_time"`
	StopTime  *time.Time `json:"stop_time"`
	Running   bool       `json:"running"`
}

type healthResponse struct {
	Status  string       `json:"status"`
	Workers WorkerStatus `json:"workers"`
	Tracked int          `json:"tracked"`
}

func toLiveProcess(entry state.Entry) liveProcess {
	return liveProcess{
		PID:       entry.PID,
		Name:      entry.Name,
		StartTime: timePtr(entry.StartTime()),
		StopTime:  timePtr(entry.StopTime()),
		Running:   entry.Running(),
	}
}

func timePtr(ts time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

func newLiveViewHandler(svc *Service, logger zerolog.Logger) (*liveViewServer, http.Handler) {
	server := &liveViewServer{logger: logger, service: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("/", server.handleIndex)
	mux.HandleFunc("/api/processes", server.handleProcesses)
	mux.HandleFunc("/healthz", server.handleHealth)
	metrics := promhttp.HandlerFor(svc.gatherer, promhttp.HandlerOpts{})
	mux.Handle("/metrics", getOnly(metrics))
	return server, mux
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	server, handler := newLiveViewHandler(svc, logger)
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *liveViewServer) addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := s.service.Snapshot()
	processes := make([]liveProcess, 0, len(entries))
	for _, entry := range entries {
		processes = append(processes, toLiveProcess(entry))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(processes); err != nil {
		s.logger.Error().Err(err).Msg("encode process snapshot")
	}
}

func (s *liveViewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status:  "ok",
		Workers: s.service.Workers(),
		Tracked: s.service.table.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode health response")
	}
}

func (s *liveViewServer) close() error {
	if s == nil || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("shutdown live view")
		return err
	}
	return nil
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>procwatch</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
table { border-collapse: collapse; width: 100%; background: #fff; }
th, td { border: 1px solid #ddd; padding: 0.4rem 0.6rem; text-align: left; }
th { background: #eee; }
tr.stopped td { color: #888; }
</style>
</head>
<body>
<h1>Watched processes</h1>
<table>
<thead><tr><th>PID</th><th>Name</th><th>Start Time</th><th>Stop Time</th></tr></thead>
<tbody id="processes"></tbody>
</table>
<script>
async function refresh() {
  const resp = await fetch('/api/processes');
  if (!resp.ok) { return; }
  const rows = await resp.json();
  const body = document.getElementById('processes');
  body.innerHTML = '';
  for (const p of rows) {
    const tr = document.createElement('tr');
    if (!p.running) { tr.className = 'stopped'; }
    for (const v of [p.pid, p.name, p.start_time || 'N/A', p.stop_time || 'N/A']) {
      const td = document.createElement('td');
      td.textContent = v;
      tr.appendChild(td);
    }
    body.appendChild(tr);
  }
}
refresh();
setInterval(refresh, 1000);
</script>
</body>
</html>
`))
