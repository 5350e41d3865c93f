package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/peterbourgon/trc/eztrc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sigtree/backend/logging"
	"sigtree/backend/signals/hub"
	"sigtree/backend/util/cleanup"
	"sigtree/backend/util/revdbg"
)

func initHTTP(
	addr string,
	clean *cleanup.Stack,
	g *errgroup.Group,
	h *hub.Hub,
	commits *CommitStats,
	extraHandlers ...func(*Router),
) (srv *http.Server, lis net.Listener, err error) {
	router := &Router{r: mux.NewRouter()}

	router.r.Use(
		handlerNameMiddleware,
		instrument,
	)

	{
		router.Handle("/debug/metrics", promhttp.Handler(), RouteNav)
		router.Handle("/debug/pprof", http.DefaultServeMux, RoutePrefix|RouteNav)
		router.Handle("/debug/vars", http.DefaultServeMux, RoutePrefix|RouteNav)
		router.Handle("/debug/version", versionHandler(), RouteNav)
		router.Handle("/debug/tree", treeHandler(h), RouteNav)
		router.Handle("/debug/commits", commitsHandler(commits), RouteNav)
		router.Handle("/debug/traces", eztrc.Handler(), RouteNav)

		logs := router.r.PathPrefix("/debug/logs").Subrouter()
		logging.RegisterDebugRoutes(logs)
		router.nav = append(router.nav, "/debug/logs")

		for _, handle := range extraHandlers {
			handle(router)
		}

		router.Handle("/", http.HandlerFunc(router.Index), 0)
	}

	srv = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       20 * time.Second,
		Handler:           router.r,
	}

	lis, err = net.Listen("tcp", srv.Addr)
	if err != nil {
		return
	}

	g.Go(func() error {
		err := srv.Serve(lis)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	clean.AddShutdown(5*time.Second, srv.Shutdown)

	return
}

// treeHandler renders the hub tree. Use ?format=text or ?format=markdown for plain output,
// and ?q= to fuzzy-search the nodes.
func treeHandler(h *hub.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rev := h.Tree().Confirmed()
		q := r.URL.Query().Get("q")

		switch r.URL.Query().Get("format") {
		case "text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			revdbg.RenderMatching(w, rev, revdbg.FormatText, q)
		case "markdown":
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			revdbg.RenderMatching(w, rev, revdbg.FormatMarkdown, q)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<p>%d sessions</p>\n", h.Sessions())
			revdbg.RenderMatching(w, rev, revdbg.FormatHTML, q)
		}
	})
}

func commitsHandler(commits *CommitStats) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(commits.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// versionHandler reports the version control info stamped by the Go toolchain.
// Use ?format=full for the whole build info without the dependency list.
func versionHandler() http.Handler {
	type version struct {
		GoVersion string `json:"goVersion"`
		Revision  string `json:"revision,omitempty"`
		Time      string `json:"time,omitempty"`
		Modified  bool   `json:"modified,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			http.Error(w, "binary built without build info", http.StatusExpectationFailed)
			return
		}

		if r.URL.Query().Get("format") == "full" {
			info.Deps = nil
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprint(w, info.String())
			return
		}

		v := version{GoVersion: info.GoVersion}
		for _, kv := range info.Settings {
			switch kv.Key {
			case "vcs.revision":
				v.Revision = kv.Value
			case "vcs.time":
				v.Time = kv.Value
			case "vcs.modified":
				v.Modified = kv.Value == "true"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

var (
	mInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigtree_http_requests_in_flight",
		Help: "Number of HTTP requests currently being served.",
	})

	mCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigtree_http_requests_total",
			Help: "Total number of HTTP requests served.",
		},
		[]string{"code", "method"},
	)

	mDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigtree_http_request_duration_seconds",
			Help:    "HTTP request latencies.",
			Buckets: []float64{.01, .05, .25, .5, 1, 2.5},
		},
		[]string{"handler", "method"},
	)
)

type ctxKeyHandlerName struct{}

func handlerNameMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if rn := route.GetName(); rn != "/" && rn != "" {
				name = rn
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), ctxKeyHandlerName{}, name))
		h.ServeHTTP(w, r)
	})
}

func handlerName(ctx context.Context) string {
	v, ok := ctx.Value(ctxKeyHandlerName{}).(string)
	if !ok {
		panic("BUG: no handler name in context")
	}
	return v
}

func instrument(h http.Handler) http.Handler {
	h = eztrc.Middleware(func(r *http.Request) string {
		return handlerName(r.Context())
	})(h)

	h = promhttp.InstrumentHandlerInFlight(mInFlightGauge, h)
	h = promhttp.InstrumentHandlerCounter(mCounter, h)
	h = promhttp.InstrumentHandlerDuration(mDuration, h, promhttp.WithLabelFromCtx("handler", handlerName))

	return h
}

const (
	// RoutePrefix exposes path prefix.
	RoutePrefix = 1 << 1
	// RouteNav adds the path to a route nav.
	RouteNav = 1 << 2
)

// Router is a wrapper around mux that can build the navigation menu.
type Router struct {
	r   *mux.Router
	nav []string
}

// Handle a route.
func (r *Router) Handle(path string, h http.Handler, mode int) {
	if mode&RoutePrefix != 0 {
		r.r.Name(path).PathPrefix(path).Handler(h)
	} else {
		r.r.Name(path).Path(path).Handler(h)
	}

	if mode&RouteNav != 0 {
		r.nav = append(r.nav, path)
	}
}

// Index lists the navigable routes in alphabetical order.
func (r *Router) Index(w http.ResponseWriter, _ *http.Request) {
	nav := slices.Sorted(slices.Values(r.nav))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<h1>sigtree debug</h1>\n<ul>\n")
	for _, route := range nav {
		fmt.Fprintf(w, "<li><a href=%q>%s</a></li>\n", route, route)
	}
	fmt.Fprint(w, "</ul>\n")
}
