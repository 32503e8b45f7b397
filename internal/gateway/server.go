// Package gateway assembles the filter pipeline and runs the HTTP listener
// plus the background tasks that keep its configuration current.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/portcullis/gateway/internal/auth"
	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/bootstrap"
	"github.com/portcullis/gateway/internal/cache"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/events"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/headers"
	"github.com/portcullis/gateway/internal/health"
	"github.com/portcullis/gateway/internal/jsonapi"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/metrics"
	"github.com/portcullis/gateway/internal/middleware"
	"github.com/portcullis/gateway/internal/proxy"
	"github.com/portcullis/gateway/internal/ratelimit"
	"github.com/portcullis/gateway/internal/registry"
	"github.com/portcullis/gateway/internal/tenant"
)

// Server owns the pipeline, the shared caches and the background tasks.
type Server struct {
	cfg *config.Config

	registry   *registry.Registry
	authzCache *authz.Cache
	slugs      *tenant.Cache

	control  *bootstrap.Client
	consumer *events.Consumer
	checker  *health.Checker
	proxy    *proxy.Proxy
	ipLimit  *ratelimit.IPLimiter

	resolver     *tenant.Resolver
	routeLimiter *ratelimit.RouteLimiter
	rewriter     *headers.Rewriter
	transformer  *jsonapi.Transformer

	handler http.Handler
	httpSrv *http.Server
}

// New wires the gateway from its configuration. keyFunc verifies bearer
// tokens; production passes a JWKSProvider's KeyFunc, tests a static key.
func New(cfg *config.Config, keyFunc jwt.Keyfunc) *Server {
	redisClient := cache.NewClient(cfg.Cache)

	s := &Server{
		cfg:        cfg,
		registry:   registry.New(),
		authzCache: authz.NewCache(),
		control:    bootstrap.NewClient(cfg.ControlPlane),
		proxy:      proxy.New(cfg.Upstream),
	}
	s.slugs = tenant.NewCache(s.control)
	s.consumer = events.NewConsumer(cfg.Bus, events.NewDispatcher(s.registry, s.authzCache, s.slugs))
	metrics.RegisterEventCounters(s.consumer.Applied, s.consumer.Skipped)

	s.checker = health.NewChecker(0, 0)
	s.checker.Register("cache", health.CacheProbe(redisClient))
	s.checker.Register("bus", health.BusProbe(cfg.Bus))
	s.checker.Register("controlPlane", health.ControlPlaneProbe(cfg.ControlPlane))

	s.ipLimit = ratelimit.NewIPLimiter(cfg.IPRateLimit, cfg.JWT.UnauthenticatedPaths)

	authenticator := auth.NewAuthenticator(cfg.JWT, keyFunc)
	s.resolver = tenant.NewResolver(s.slugs, cfg.TenantSlug)
	s.routeLimiter = ratelimit.NewRouteLimiter(redisClient, cfg.RateLimit, cfg.Cache.ReadTimeout)
	s.rewriter = headers.NewRewriter(cfg.HeaderRewrite)
	s.transformer = jsonapi.NewTransformer(s.authzCache, jsonapi.NewResolver(redisClient, cfg.Transform), cfg.Transform)

	// Per-route stage of the pipeline, entered only after a route matched.
	routed := middleware.NewChain(
		s.routeLimiter.Middleware(),
		s.authorize(),
		s.rewriter.Middleware(),
		s.transformer.Middleware(),
	).Then(s.proxy)

	// Pre-route stage. Precedence mirrors the filter ordering contract:
	// slug extraction, tenant header resolution, IP limiting, authentication.
	pipeline := middleware.NewChain(
		admission(cfg.Server.MaxInflight, cfg.Server.QueueDepth),
	)
	if cfg.TenantSlug.Enabled {
		pipeline = pipeline.Append(s.resolver.SlugExtraction())
	}
	pipeline = pipeline.Append(
		s.resolver.HeaderResolution(),
		s.ipLimit.Middleware(),
		authenticator.Middleware(),
	)

	router := httprouter.New()
	router.HandleMethodNotAllowed = false
	router.Handler(http.MethodGet, "/actuator/health", s.checker.Handler())
	if cfg.Metrics.Enabled {
		scrape := metrics.Handler()
		router.Handler(http.MethodGet, "/actuator/prometheus", scrape)
		router.Handler(http.MethodGet, "/metrics", scrape)
	}
	// Everything that is not a platform endpoint flows through the pipeline.
	router.NotFound = pipeline.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.route(w, r, routed)
	}))

	// Correlation runs first so the exchange it creates is visible to the
	// logging and metrics wrappers downstream.
	s.handler = middleware.NewChain(
		middleware.Correlation(),
		middleware.RequestLogging([]string{"/actuator/health", "/actuator/prometheus", "/metrics"}),
		metrics.Instrument,
		headers.Security(),
	).Then(router)

	return s
}

// Handler returns the fully assembled root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the route table, used by tests and the event consumer.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ApplyConfig pushes the reloadable settings of a freshly loaded configuration
// into the running pipeline. Settings baked into the pipeline shape (listen
// address, timeouts, enabled stages) keep their boot values.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.rewriter.SetPolicy(cfg.HeaderRewrite.Authorization)
	s.resolver.SetStrict(cfg.TenantSlug.RequirePrefix)
	s.transformer.SetSizeLimit(cfg.Transform.ResponseSizeLimit)
	s.routeLimiter.SetDefaultLimit(cfg.RateLimit)
}

// Bootstrap fetches the configuration snapshot and seeds the caches. The
// gateway must not serve traffic before this succeeds.
func (s *Server) Bootstrap(ctx context.Context) error {
	snapshot, err := s.control.Fetch(ctx)
	if err != nil {
		return err
	}
	bootstrap.Seed(snapshot, s.registry, s.authzCache, s.slugs)
	return nil
}

// route matches the request path against the registry and hands the request to
// the per-route stage.
func (s *Server) route(w http.ResponseWriter, r *http.Request, routed http.Handler) {
	match := s.registry.FindByPath(r.URL.Path)
	if match == nil {
		gwerrors.ErrRouteNotFound.WriteJSON(w, r)
		return
	}
	if ex := exchange.FromRequest(r); ex != nil {
		ex.Route = match.Route
		ex.Suffix = match.Suffix
	}
	routed.ServeHTTP(w, r)
}

// authorize enforces the collection's route policies against the principal's
// roles. Collections without policies default to allow.
func (s *Server) authorize() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := exchange.FromRequest(r)
			if ex == nil || ex.Route == nil || ex.Route.CollectionName == "" {
				next.ServeHTTP(w, r)
				return
			}
			var roles []string
			if ex.Principal != nil {
				roles = ex.Principal.Roles
			}
			if s.authzCache.Authorize(ex.Route.CollectionName, r.Method, roles) == authz.Deny {
				gwerrors.ErrForbidden.WriteJSON(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// admission bounds concurrency. maxInflight requests are served at once;
// queueDepth more may wait for a slot; beyond that the gateway sheds load.
func admission(maxInflight, queueDepth int) middleware.Middleware {
	slots := make(chan struct{}, maxInflight)
	waiting := make(chan struct{}, queueDepth)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case slots <- struct{}{}:
			default:
				select {
				case waiting <- struct{}{}:
					select {
					case slots <- struct{}{}:
						<-waiting
					case <-r.Context().Done():
						<-waiting
						return
					}
				default:
					metrics.QueueRejected()
					gwerrors.ErrQueueFull.WriteJSON(w, r)
					return
				}
			}
			defer func() { <-slots }()
			next.ServeHTTP(w, r)
		})
	}
}

// Run serves until ctx is cancelled, then shuts everything down. The event
// consumer, slug refresher and health checker run for the server's lifetime.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("addr", s.cfg.Server.Listen))
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.proxy.CloseIdleConnections()
		s.ipLimit.Close()
		return err
	})
	g.Go(func() error {
		s.consumer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.slugs.Run(ctx, s.cfg.TenantSlug.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		s.checker.Run(ctx)
		return nil
	})

	return g.Wait()
}
