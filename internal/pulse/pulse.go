// Package pulse assembles the telemetry client from configuration: storage,
// identity, transport, the event batcher, the recording pipeline, the
// experiment client and the trackers that feed them.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/pulse/internal/batcher"
	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/config"
	"github.com/fakeyudi/pulse/internal/event"
	"github.com/fakeyudi/pulse/internal/experiment"
	"github.com/fakeyudi/pulse/internal/identity"
	"github.com/fakeyudi/pulse/internal/recorder"
	"github.com/fakeyudi/pulse/internal/storage"
	"github.com/fakeyudi/pulse/internal/tracker"
	"github.com/fakeyudi/pulse/internal/transport"
)

// Version is reported in the default user agent.
const Version = "0.1.0"

// Client owns every component of the pipeline.
type Client struct {
	cfg       config.Config
	log       zerolog.Logger
	clk       clock.Clock
	store     storage.Storage
	ownsStore bool

	ident      *identity.Store
	transport  *transport.Client
	batcher    *batcher.Batcher
	recorder   *recorder.Recorder
	experiment *experiment.Client

	emitter    *tracker.ActivityTracker
	errors     *tracker.ErrorTracker
	visibility *tracker.VisibilityTracker
	teardown   *tracker.TeardownTracker
	trackers   []tracker.Tracker

	terminated chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

type options struct {
	store      storage.Storage
	clk        clock.Clock
	httpClient *http.Client
	env        *identity.Environment
	signals    bool
	trackers   []tracker.Tracker
}

// Option customises New.
type Option func(*options)

// WithStorage injects the storage backend instead of opening the configured
// one. The caller keeps ownership of it.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithClock injects the clock driving timers and session expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithHTTPClient sets the HTTP client used for the collector.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithEnvironment overrides the environment derived from configuration.
func WithEnvironment(env identity.Environment) Option {
	return func(o *options) { o.env = &env }
}

// WithSignalTeardown makes Start listen for SIGINT and SIGTERM and perform
// the teardown send when one arrives.
func WithSignalTeardown() Option {
	return func(o *options) { o.signals = true }
}

// WithTracker adds a tracker started by Start and stopped by Close.
func WithTracker(t tracker.Tracker) Option {
	return func(o *options) { o.trackers = append(o.trackers, t) }
}

// New builds a Client from cfg. Nothing is sent until events are tracked.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, log: log, clk: o.clk, store: o.store, terminated: make(chan struct{})}
	if c.clk == nil {
		c.clk = clock.Real()
	}
	if c.store == nil {
		store, err := storage.Open(ctx, storage.Options{Kind: cfg.Storage, Path: cfg.StoragePath, RedisURL: cfg.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
		}
		c.store, c.ownsStore = store, true
	}

	env := Environment(cfg)
	if o.env != nil {
		env = *o.env
	}
	c.ident = identity.New(c.store, c.clk, env,
		identity.WithTimeout(cfg.SessionTimeout.D()),
		identity.WithLogger(log.With().Str("component", "identity").Logger()),
	)

	c.transport = transport.New(transport.Config{
		Endpoint:       cfg.Endpoint,
		APIKey:         cfg.APIKey,
		Timeout:        cfg.RequestTimeout.D(),
		MaxRetries:     cfg.Retries(),
		RetryBaseDelay: cfg.RetryBaseDelay.D(),
		HTTPClient:     o.httpClient,
		Logger:         log.With().Str("component", "transport").Logger(),
	})

	c.batcher = batcher.New(c.transport, c.ident, c.clk, batcher.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.D(),
		Beaconer:      c.transport,
		Logger:        log,
	})

	c.recorder = recorder.New(c.transport, c.ident, c.clk, recorder.Options{
		MaxEvents:     cfg.RecordingMaxEvents,
		FlushInterval: cfg.RecordingFlushInterval.D(),
		MaxDuration:   cfg.RecordingMaxDuration.D(),
		Beaconer:      c.transport,
		Logger:        log,
	})

	c.experiment = experiment.New(c.transport, c.ident, c.store, c.clk,
		experiment.WithConfigTTL(cfg.ConfigTTL.D()),
		experiment.WithLogger(log.With().Str("component", "experiment").Logger()),
	)

	stamp := tracker.NewBatchEmitter(c.batcher, c.clk, func() string { return c.ident.Environment().PageURL }, log)
	c.emitter = tracker.NewActivityTracker(stamp, c.ident, c.clk, 0)
	c.errors = &tracker.ErrorTracker{Emitter: c.emitter, Source: "pulse"}
	c.visibility = &tracker.VisibilityTracker{Emitter: c.emitter, Session: c.ident, OnHidden: c.batcher.Teardown}
	c.trackers = append([]tracker.Tracker{c.emitter, c.errors, c.visibility}, o.trackers...)
	if o.signals {
		c.teardown = &tracker.TeardownTracker{Hook: func() {
			c.Terminate()
			close(c.terminated)
		}}
		c.trackers = append(c.trackers, c.teardown)
	}
	return c, nil
}

// Environment derives the identity environment from configuration, filling
// the user agent and language from the host when unset.
func Environment(cfg config.Config) identity.Environment {
	env := identity.Environment{
		UserAgent: cfg.UserAgent,
		Language:  cfg.Locale,
		Referrer:  cfg.Referrer,
		PageURL:   cfg.PageURL,
	}
	if env.UserAgent == "" {
		env.UserAgent = fmt.Sprintf("pulse/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
	}
	if env.Language == "" {
		env.Language = hostLanguage()
	}
	env.ScreenWidth, env.ScreenHeight, _ = config.ParseSize(cfg.Screen)
	env.ViewportWidth, env.ViewportHeight, _ = config.ParseSize(cfg.Viewport)
	return env
}

// hostLanguage turns LANG=de_DE.UTF-8 into "de-DE".
func hostLanguage() string {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	lang, _, _ = strings.Cut(lang, ".")
	if lang == "" || lang == "C" || lang == "POSIX" {
		return ""
	}
	return strings.ReplaceAll(lang, "_", "-")
}

// Start starts the trackers.
func (c *Client) Start(ctx context.Context) error {
	for _, t := range c.trackers {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}
	c.log.Debug().Str("endpoint", c.cfg.Endpoint).Str("storage", c.cfg.Storage).Int("trackers", len(c.trackers)).Msg("client started")
	return nil
}

// Track queues ev, stamping its timestamp and URL when unset.
func (c *Client) Track(ev event.TrackingEvent) { c.emitter.Emit(ev) }

// Page records a pageview and makes url the current page.
func (c *Client) Page(url, title string) {
	c.ident.SetPageURL(url)
	c.Track(event.NewPageview(url, title, c.ident.Environment().Referrer))
}

// Identify attaches a user to later batches and assignment requests.
func (c *Client) Identify(userID string, traits map[string]any) {
	c.ident.Identify(userID, traits)
}

// Flush delivers queued events and buffered replay events now.
func (c *Client) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.batcher.Drain(ctx) })
	g.Go(func() error { return c.recorder.Flush(ctx, false) })
	return g.Wait()
}

// Terminate is the abrupt-exit path: pending events and replay data are
// handed to the teardown transport without waiting or retrying.
func (c *Client) Terminate() {
	c.batcher.Destroy()
	c.recorder.Destroy()
}

// Terminated is closed once a signal has triggered the teardown send.
func (c *Client) Terminated() <-chan struct{} { return c.terminated }

// Close stops the trackers, flushes the batcher and ends any recording with
// its terminal chunk. Events the final flush could not deliver go out through
// the teardown transport, which Close waits for before releasing storage.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, t := range c.trackers {
			if err := t.Stop(); err != nil {
				errs = append(errs, err)
			}
		}

		var g errgroup.Group
		g.Go(func() error {
			defer c.batcher.Destroy()
			if err := c.batcher.Drain(ctx); err != nil && !errors.Is(err, batcher.ErrDestroyed) {
				return fmt.Errorf("final flush: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			defer c.recorder.Destroy()
			if err := c.recorder.Stop(ctx); err != nil {
				return fmt.Errorf("final chunk: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := c.transport.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for teardown sends: %w", err))
		}
		if c.ownsStore {
			if err := c.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Accessors for the underlying components.
func (c *Client) Config() config.Config                  { return c.cfg }
func (c *Client) Identity() *identity.Store              { return c.ident }
func (c *Client) Batcher() *batcher.Batcher              { return c.batcher }
func (c *Client) Recorder() *recorder.Recorder           { return c.recorder }
func (c *Client) Experiments() *experiment.Client        { return c.experiment }
func (c *Client) Transport() *transport.Client           { return c.transport }
func (c *Client) Storage() storage.Storage               { return c.store }
func (c *Client) Errors() *tracker.ErrorTracker          { return c.errors }
func (c *Client) Activity() *tracker.ActivityTracker     { return c.emitter }
func (c *Client) Visibility() *tracker.VisibilityTracker { return c.visibility }
