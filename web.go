package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/wikirace/internal/realtime"
	"github.com/Seednode/wikirace/internal/session"
	"github.com/Seednode/wikirace/internal/storage/sqlite"
	"github.com/Seednode/wikirace/internal/wiki"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("wikirace v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// Backend is everything the race handlers share.
type Backend struct {
	store   *sqlite.Store
	wiki    *wiki.Client
	broker  *realtime.Broker
	machine *session.Machine
}

func newBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	store, err := sqlite.Open(ctx, cfg.db)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.db, err)
	}

	client := wiki.NewClient(cfg.wikiHost, wiki.Options{
		BaseURL:   cfg.wikiURL,
		Cache:     store,
		CacheTTL:  cfg.cacheTTL,
		UserAgent: "wikirace/" + releaseVersion + " (https://github.com/Seednode/wikirace)",
		Logf:      cfg.logger(),
	})

	broker := realtime.NewBroker()

	machine := session.New(store, session.Options{
		Notifier:  broker,
		Documents: client,
		Logf:      cfg.logger(),
	})

	return &Backend{
		store:   store,
		wiki:    client,
		broker:  broker,
		machine: machine,
	}, nil
}

func (b *Backend) Close() error {
	b.broker.Close()

	return b.store.Close()
}

const minPruneInterval = time.Second

// pruneInterval runs twice per cache lifetime, between once a second and
// once an hour.
func pruneInterval(cfg *Config) time.Duration {
	interval := time.Hour
	if cfg.cacheTTL > 0 && cfg.cacheTTL/2 < interval {
		interval = cfg.cacheTTL / 2
	}

	return max(interval, minPruneInterval)
}

// prune drops cached articles and old races until ctx is done.
func (b *Backend) prune(ctx context.Context, cfg *Config) {
	ticker := time.NewTicker(pruneInterval(cfg))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()

		if cfg.cacheTTL > 0 {
			n, err := b.store.PruneDocuments(ctx, now.Add(-cfg.cacheTTL))
			if err != nil {
				logf(cfg, "ERROR: Pruning cached articles: %v", err)
			} else if n > 0 {
				logf(cfg, "GAMES: Pruned %d cached articles", n)
			}
		}

		if cfg.retention > 0 {
			n, err := b.store.PruneSessions(ctx, now.Add(-cfg.retention))
			if err != nil {
				logf(cfg, "ERROR: Pruning races: %v", err)
			} else if n > 0 {
				logf(cfg, "GAMES: Pruned %d races", n)
			}
		}
	}
}

func newRouter(cfg *Config, backend *Backend, errs chan<- error) (*httprouter.Router, *GameManager) {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		logf(cfg, "ERROR: Panic serving %s: %v", r.URL.Path, i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/assets/*file", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/favicons/*favicon", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	gm := registerRace(cfg, "/race", mux, backend, errs)

	return mux, gm
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: wikirace v%s", releaseVersion)

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	logf(cfg, "START: Racing on %s, database %s", cfg.wikiHost, cfg.db)

	errs := make(chan error, 64)
	go drainErrors(cfg, errs)

	mux, gm := newRouter(cfg, backend, errs)
	defer gm.Close()

	go backend.prune(ctx, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logf(cfg, "START: Shutting down")

	return nil
}
