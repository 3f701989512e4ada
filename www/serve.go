// Package www serves session status, results and Prometheus metrics over
// HTTP.
package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"node.town/phonematch/results"
	"node.town/phonematch/session"
)

// Status is what the server reports about the active recording.
// *session.Recorder satisfies it.
type Status interface {
	State() session.State
	Connected() bool
	Current() *session.Session
}

type Options struct {
	Status   Status
	Results  *results.Log
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type statusResponse struct {
	State     string   `json:"state"`
	Connected bool     `json:"connected"`
	Session   string   `json:"session,omitempty"`
	Expected  []string `json:"expected_phonemes,omitempty"`
	Error     string   `json:"error,omitempty"`
	Segments  int      `json:"segments"`
}

func NewRouter(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logger.StandardLog(),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			fmt.Fprintf(w, "%s %s\n", method, route)
			return nil
		})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{
			State:     opts.Status.State().String(),
			Connected: opts.Status.Connected(),
		}
		if s := opts.Status.Current(); s != nil {
			resp.Session = s.ID()
			resp.Expected = []string(s.Phonemes())
			if err := s.Err(); err != nil {
				resp.Error = err.Error()
			}
		}
		if opts.Results != nil {
			resp.Segments = opts.Results.Len()
		}
		writeJSON(w, logger, resp)
	})

	r.Get("/results", func(w http.ResponseWriter, req *http.Request) {
		entries := []results.Entry{}
		if opts.Results != nil {
			entries = opts.Results.Entries()
		}
		writeJSON(w, logger, entries)
	})

	r.Get("/results/latest", func(w http.ResponseWriter, req *http.Request) {
		if opts.Results == nil {
			http.NotFound(w, req)
			return
		}
		entry, ok := opts.Results.Newest()
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, logger, entry)
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write response", "error", err)
	}
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http", "url", fmt.Sprintf("http://%s", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
