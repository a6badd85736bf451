package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daviddao/reclock/pkg/clock"
	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/reclock"
	"github.com/daviddao/reclock/pkg/remap"
	"github.com/daviddao/reclock/pkg/store"
)

// server exposes shards over HTTP. Minting requests are serialized: each
// shard has one operator, and operators are not goroutine-safe.
type server struct {
	app     *app
	catalog store.Catalog

	mu      sync.Mutex
	minters map[string]*minter
}

func newServer(a *app) *server {
	return &server{app: a, catalog: a.store, minters: make(map[string]*minter)}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.app.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		successResponse(w, map[string]string{"version": version})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.app.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Route("/shards", func(r chi.Router) {
		r.Get("/", s.handleShards)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/frontier", s.handleFrontier)
			r.Get("/bindings", s.handleBindings)
			r.Post("/mint", s.handleMint)
		})
	})
	return r
}

// Response is a JSend-style envelope.
type Response struct {
	Status  string `json:"status"` // "success" | "error"
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func successResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{Status: "success", Data: data})
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Status: "error", Message: message})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrShardNotFound), errors.Is(err, errNoBindings):
		return http.StatusNotFound
	case errors.Is(err, remap.ErrSinceAhead), errors.Is(err, remap.ErrInvalidUsage):
		return http.StatusBadRequest
	case errors.Is(err, errLogClosed), errors.Is(err, errTargetBehind), errors.Is(err, remap.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}

func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	shards, err := s.catalog.ListShards()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if shards == nil {
		shards = []store.ShardInfo{}
	}
	successResponse(w, shards)
}

// asOfParam parses the optional as_of query parameter.
func asOfParam(r *http.Request) (*model.Millis, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return nil, nil
	}
	ts, err := parseMillis(raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (s *server) handleFrontier(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sh, err := s.app.openShard(chi.URLParam(r, "name"))
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	st, err := frontierAt(r.Context(), sh, asOf)
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	successResponse(w, st)
}

func (s *server) handleBindings(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sh, err := s.app.openShard(chi.URLParam(r, "name"))
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	snap, err := sh.Snapshot(r.Context())
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	if asOf != nil {
		snap = remap.Advance(snap, frontier.FromElem(*asOf))
	}
	if snap == nil {
		snap = []binding{}
	}
	successResponse(w, snap)
}

// mintRequest is the body of POST /shards/{name}/mint.
type mintRequest struct {
	Offsets []model.PartitionOffset `json:"offsets"`
	Close   bool                    `json:"close"`
}

// mintResponse reports the shard after a mint.
type mintResponse struct {
	Upper       frontier.Antichain[model.Millis]      `json:"upper"`
	SourceUpper frontier.Antichain[model.Partitioned] `json:"source_upper"`
	Updates     []binding                             `json:"updates"`
}

func (s *server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	target := frontier.Antichain[model.Partitioned]{}
	if !req.Close {
		target = frontier.NewAntichain(model.PartitionedFrontier(req.Offsets...)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.minterFor(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	updates, err := m.advance(r.Context(), target)
	if err != nil && !errors.Is(err, errTargetBehind) {
		// The operator must not be used after a failed mint.
		for name, cached := range s.minters {
			if cached == m {
				delete(s.minters, name)
			}
		}
	}
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	if updates == nil {
		updates = []binding{}
	}
	successResponse(w, mintResponse{
		Upper:       m.op.Upper(),
		SourceUpper: m.op.SourceUpper(),
		Updates:     updates,
	})
}

// minterFor returns the cached operator for a shard, opening one at the
// shard's since on first use. Callers hold s.mu.
func (s *server) minterFor(ctx context.Context, nameOrID string) (*minter, error) {
	sh, err := s.app.openShard(nameOrID)
	if err != nil {
		return nil, err
	}
	if m, ok := s.minters[sh.ID()]; ok {
		return m, nil
	}
	since, err := sh.Since(ctx)
	if err != nil {
		return nil, err
	}
	h, err := sh.Open(ctx, since, s.app.cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	m, err := newMinter(ctx, h, clock.NewWallClock(time.Now),
		reclock.WithLogger(s.app.log.WithField("shard", sh.Name())),
		reclock.WithMetrics(s.app.metrics))
	if err != nil {
		return nil, err
	}
	s.minters[sh.ID()] = m
	return m, nil
}

type serveOptions struct {
	*rootOptions
	Addr string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve shards and metrics over HTTP",
		Long: `Serve the database's shards over HTTP until interrupted.

Routes:
  GET  /healthz
  GET  /metrics                          Prometheus metrics
  GET  /shards                           all shards
  GET  /shards/{name}/frontier?as_of=T   source frontier at T (default: latest)
  GET  /shards/{name}/bindings?as_of=T   bindings, advanced to T if given
  POST /shards/{name}/mint               {"offsets":[{"partition":0,"offset":4}]}
                                         or {"close":true}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	a := opts.app
	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.Serve.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(a).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.WithField("addr", addr).Info("serving")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	a.log.Info("stopped")
	return nil
}
