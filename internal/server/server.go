// Package server implements the SnapStore admin HTTP surface: health and
// readiness probes, Prometheus metrics, a read-only blob listing and a
// credential refresh trigger.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/snapstore/internal/blobstore"
	"github.com/bleepstore/snapstore/internal/config"
	snaperr "github.com/bleepstore/snapstore/internal/errors"
	"github.com/bleepstore/snapstore/internal/repository"
)

// Server is the SnapStore admin HTTP server.
type Server struct {
	cfg        config.ServerConfig
	repo       *repository.Repository
	router     chi.Router
	api        huma.API
	logger     *slog.Logger
	httpServer *http.Server
}

// StatusBody is the JSON body returned by the probe endpoints.
type StatusBody struct {
	Status string `json:"status" example:"ok" doc:"Probe status"`
}

// StatusOutput is the Huma output struct for the probe endpoints.
type StatusOutput struct {
	Body StatusBody
}

// ListBlobsInput selects the container and name prefix to list.
type ListBlobsInput struct {
	Path   string `query:"path" doc:"Slash-separated container path, relative to the repository base path"`
	Prefix string `query:"prefix" doc:"Only list blobs whose names start with this prefix"`
}

// BlobEntry is one listed blob.
type BlobEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListBlobsBody is the JSON listing of a container.
type ListBlobsBody struct {
	Bucket string      `json:"bucket"`
	Path   string      `json:"path"`
	Count  int         `json:"count"`
	Bytes  int64       `json:"bytes"`
	Blobs  []BlobEntry `json:"blobs"`
}

// ListBlobsOutput is the Huma output struct for the listing endpoint.
type ListBlobsOutput struct {
	Body ListBlobsBody
}

// SessionBody describes the installed storage session.
type SessionBody struct {
	ShortLived bool       `json:"short_lived"`
	State      string     `json:"state" enum:"valid,expiring_soon,expired"`
	Expiry     *time.Time `json:"expiry,omitempty"`
}

// SessionOutput is the Huma output struct for the session endpoints.
type SessionOutput struct {
	Body SessionBody
}

// New creates a Server for repo and registers all admin routes.
func New(cfg config.ServerConfig, repo *repository.Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("SnapStore Admin API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		repo:   repo,
		router: router,
		api:    api,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the admin middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("admin server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Huma routes carry
// OpenAPI documentation; /metrics is served directly by promhttp.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: StatusBody{Status: "ok"}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports ready when the repository bucket is reachable with valid credentials.",
		Tags:        []string{"System"},
	}, s.handleReady)

	s.router.Handle("/metrics", promhttp.Handler())

	huma.Register(s.api, huma.Operation{
		OperationID: "list-blobs",
		Method:      http.MethodGet,
		Path:        "/v1/blobs",
		Summary:     "List blobs in a container",
		Tags:        []string{"Blobs"},
	}, s.handleListBlobs)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/v1/session",
		Summary:     "Describe the storage session",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		return s.sessionOutput(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "refresh-session",
		Method:        http.MethodPost,
		Path:          "/v1/refresh",
		Summary:       "Force a credential refresh",
		Description:   "Fetches new short-lived credentials and swaps the storage handle. A no-op for static credentials.",
		Tags:          []string{"Session"},
		DefaultStatus: http.StatusOK,
	}, s.handleRefresh)
}

func (s *Server) handleReady(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	ok, err := s.repo.Store().BucketExists(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", "bucket", s.repo.Bucket(), "error", err)
		return nil, huma.Error503ServiceUnavailable("bucket unreachable", err)
	}
	if !ok {
		return nil, huma.Error503ServiceUnavailable("bucket [" + s.repo.Bucket() + "] does not exist")
	}
	return &StatusOutput{Body: StatusBody{Status: "ready"}}, nil
}

func (s *Server) handleListBlobs(ctx context.Context, input *ListBlobsInput) (*ListBlobsOutput, error) {
	container := s.repo.Container(blobstore.ParsePath(input.Path))
	blobs, err := container.ListBlobsByPrefix(ctx, input.Prefix)
	if err != nil {
		if errors.Is(err, snaperr.ErrCredentialRefreshFailed) {
			return nil, huma.Error503ServiceUnavailable("credentials unavailable", err)
		}
		return nil, huma.Error502BadGateway("listing failed", err)
	}

	body := ListBlobsBody{
		Bucket: s.repo.Bucket(),
		Path:   container.Path().String(),
		Blobs:  make([]BlobEntry, 0, len(blobs)),
	}
	for _, b := range blobs {
		body.Blobs = append(body.Blobs, BlobEntry{Name: b.Name, Size: b.Size})
		body.Bytes += b.Size
	}
	sort.Slice(body.Blobs, func(i, j int) bool { return body.Blobs[i].Name < body.Blobs[j].Name })
	body.Count = len(body.Blobs)
	return &ListBlobsOutput{Body: body}, nil
}

func (s *Server) handleRefresh(ctx context.Context, input *struct{}) (*SessionOutput, error) {
	if err := s.repo.Sessions().Refresh(ctx); err != nil {
		s.logger.Warn("forced credential refresh failed", "error", err)
		return nil, huma.Error502BadGateway("credential refresh failed", err)
	}
	return s.sessionOutput(), nil
}

func (s *Server) sessionOutput() *SessionOutput {
	sessions := s.repo.Sessions()
	body := SessionBody{
		ShortLived: sessions.ShortLived(),
		State:      sessions.State().String(),
	}
	if exp := sessions.Expiry(); !exp.IsZero() {
		body.Expiry = &exp
	}
	return &SessionOutput{Body: body}
}
