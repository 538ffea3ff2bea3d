// Package experiment resolves A/B-test variations for the current visitor.
//
// Assignments come from the collector and are cached locally for the life of
// the storage scope. Once an experiment has a cached assignment, the
// assignment decision is never asked of the server again; variation metadata
// is resolved from a short-lived snapshot of the experiment configuration.
//
// No method returns an error: network and storage failures degrade to
// "not assigned" and "failed" results.
package experiment

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/identity"
	"github.com/fakeyudi/pulse/internal/storage"
	"github.com/fakeyudi/pulse/internal/transport"
)

// Storage keys.
const (
	KeyAssignments = "pulse_assignments"
	KeyConfig      = "pulse_experiment_config"
)

// DefaultConfigTTL is how long an experiment configuration snapshot is reused.
const DefaultConfigTTL = 60 * time.Second

// Device types reported in the assignment context.
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
)

// Variation is one arm of an experiment.
type Variation struct {
	Key           string         `json:"key"`
	Name          string         `json:"name,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// Experiment is an entry of the configuration snapshot.
type Experiment struct {
	Key        string      `json:"key"`
	Name       string      `json:"name,omitempty"`
	Status     string      `json:"status,omitempty"`
	Variations []Variation `json:"variations,omitempty"`
}

// Variation returns the variation with the given key.
func (e Experiment) Variation(key string) (Variation, bool) {
	for _, v := range e.Variations {
		if v.Key == key {
			return v, true
		}
	}
	return Variation{}, false
}

// AssignmentResult is the response of POST /sdk/assign.
type AssignmentResult struct {
	Success       bool       `json:"success"`
	Assigned      bool       `json:"assigned"`
	ExperimentKey string     `json:"experimentKey,omitempty"`
	Variation     *Variation `json:"variation,omitempty"`
	AssignmentID  string     `json:"assignmentId,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// TrackResult is the response of POST /sdk/track.
type TrackResult struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ConfigResponse is the response of GET /sdk/config.
type ConfigResponse struct {
	Success     bool         `json:"success"`
	Experiments []Experiment `json:"experiments"`
	Error       string       `json:"error,omitempty"`
}

// DeviceContext is the best-effort device description sent with assignments.
type DeviceContext struct {
	DeviceType string `json:"deviceType,omitempty"`
	Language   string `json:"language,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

type assignRequest struct {
	ExperimentKey  string        `json:"experimentKey"`
	VisitorID      string        `json:"visitorId"`
	UserIdentifier string        `json:"userIdentifier,omitempty"`
	Context        DeviceContext `json:"context"`
}

type trackRequest struct {
	ExperimentKey string         `json:"experimentKey"`
	VisitorID     string         `json:"visitorId"`
	AssignmentID  string         `json:"assignmentId,omitempty"`
	EventName     string         `json:"eventName"`
	EventValue    *float64       `json:"eventValue,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Assignment is a cached assignment decision.
type Assignment struct {
	VariationKey  string         `json:"variationKey"`
	VariationName string         `json:"variationName,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
	AssignmentID  string         `json:"assignmentId,omitempty"`
	AssignedAt    int64          `json:"assignedAt"`
}

func (a Assignment) variation() *Variation {
	return &Variation{Key: a.VariationKey, Name: a.VariationName, Configuration: maps.Clone(a.Configuration)}
}

type snapshot struct {
	FetchedAt   int64        `json:"fetchedAt"`
	Experiments []Experiment `json:"experiments"`
}

// API is the collector surface the client needs.
type API interface {
	PostJSON(ctx context.Context, path string, body, out any) error
	GetJSON(ctx context.Context, path string, out any) error
}

// Identity supplies and resets the visitor the assignments belong to.
type Identity interface {
	VisitorID() string
	UserID() string
	Identify(userID string, traits map[string]any)
	Environment() identity.Environment
	Reset()
}

// Client is safe for concurrent use.
type Client struct {
	mu          sync.Mutex
	assignments map[string]Assignment
	snap        *snapshot

	api       API
	ident     Identity
	store     storage.Storage
	clk       clock.Clock
	log       zerolog.Logger
	configTTL time.Duration
	fetch     singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithConfigTTL sets how long a configuration snapshot is reused.
func WithConfigTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.configTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New loads cached assignments and any stored configuration snapshot.
func New(api API, ident Identity, store storage.Storage, clk clock.Clock, opts ...Option) *Client {
	if store == nil {
		store = storage.NewMemory()
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Client{
		assignments: map[string]Assignment{},
		api:         api,
		ident:       ident,
		store:       store,
		clk:         clk,
		log:         zerolog.Nop(),
		configTTL:   DefaultConfigTTL,
	}
	for _, o := range opts {
		o(c)
	}

	var cached map[string]Assignment
	if err := storage.GetJSON(store, KeyAssignments, &cached); err == nil && cached != nil {
		c.assignments = cached
	}
	var snap snapshot
	if err := storage.GetJSON(store, KeyConfig, &snap); err == nil && c.fresh(&snap) {
		c.snap = &snap
	}
	return c
}

func (c *Client) fresh(s *snapshot) bool {
	return s != nil && c.clk.Now().UnixMilli()-s.FetchedAt < c.configTTL.Milliseconds()
}

// GetVariation returns the visitor's variation for experimentKey, or nil when
// the visitor is not in the experiment. A cached assignment is answered
// without any request: its metadata comes from the configuration snapshot
// while that is fresh, and from the cache otherwise.
func (c *Client) GetVariation(ctx context.Context, experimentKey string) *Variation {
	c.mu.Lock()
	cached, ok := c.assignments[experimentKey]
	var exps []Experiment
	if ok && c.fresh(c.snap) {
		exps = c.snap.Experiments
	}
	c.mu.Unlock()

	if !ok {
		res := c.Assign(ctx, experimentKey)
		if !res.Assigned || res.Variation == nil {
			return nil
		}
		return res.Variation
	}

	for _, exp := range exps {
		if exp.Key != experimentKey {
			continue
		}
		if v, found := exp.Variation(cached.VariationKey); found {
			return &v
		}
	}
	return cached.variation()
}

// Assign asks the collector for an assignment and caches an assigned result.
// An existing cached assignment is never replaced by a different variation.
func (c *Client) Assign(ctx context.Context, experimentKey string) AssignmentResult {
	env := c.ident.Environment()
	req := assignRequest{
		ExperimentKey:  experimentKey,
		VisitorID:      c.ident.VisitorID(),
		UserIdentifier: c.ident.UserID(),
		Context: DeviceContext{
			DeviceType: DeviceType(env.UserAgent),
			Language:   env.Language,
			UserAgent:  env.UserAgent,
		},
	}
	var res AssignmentResult
	if err := c.api.PostJSON(ctx, transport.PathAssign, req, &res); err != nil {
		c.log.Warn().Err(err).Str("experiment", experimentKey).Msg("assignment failed")
		return AssignmentResult{ExperimentKey: experimentKey, Error: err.Error()}
	}
	if res.ExperimentKey == "" {
		res.ExperimentKey = experimentKey
	}
	if !res.Success || !res.Assigned || res.Variation == nil {
		res.Assigned = false
		c.log.Debug().Str("experiment", experimentKey).Str("reason", res.Reason).Msg("not assigned")
		return res
	}

	c.mu.Lock()
	if prev, ok := c.assignments[experimentKey]; ok {
		if prev.VariationKey != res.Variation.Key {
			c.log.Warn().Str("experiment", experimentKey).
				Str("cached", prev.VariationKey).Str("server", res.Variation.Key).
				Msg("server assignment differs from cached assignment, keeping cached")
		}
		res.Variation = prev.variation()
		res.AssignmentID = prev.AssignmentID
		c.mu.Unlock()
		return res
	}
	c.assignments[experimentKey] = Assignment{
		VariationKey:  res.Variation.Key,
		VariationName: res.Variation.Name,
		Configuration: maps.Clone(res.Variation.Configuration),
		AssignmentID:  res.AssignmentID,
		AssignedAt:    c.clk.Now().UnixMilli(),
	}
	c.saveAssignments()
	c.mu.Unlock()

	c.log.Debug().Str("experiment", experimentKey).Str("variation", res.Variation.Key).Msg("assigned")
	return res
}

// saveAssignments persists the cache. c.mu must be held.
func (c *Client) saveAssignments() {
	if err := storage.SetJSON(c.store, KeyAssignments, c.assignments, 0); err != nil {
		c.log.Debug().Err(err).Msg("assignments not persisted")
	}
}

// Track records a conversion for experimentKey. Without a cached assignment
// it fails without contacting the collector.
func (c *Client) Track(ctx context.Context, experimentKey, eventName string, value *float64, props map[string]any) TrackResult {
	c.mu.Lock()
	cached, ok := c.assignments[experimentKey]
	c.mu.Unlock()
	if !ok {
		return TrackResult{Error: "no assignment for experiment " + experimentKey}
	}

	req := trackRequest{
		ExperimentKey: experimentKey,
		VisitorID:     c.ident.VisitorID(),
		AssignmentID:  cached.AssignmentID,
		EventName:     eventName,
		EventValue:    value,
		Properties:    props,
	}
	var res TrackResult
	if err := c.api.PostJSON(ctx, transport.PathTrack, req, &res); err != nil {
		c.log.Warn().Err(err).Str("experiment", experimentKey).Str("event", eventName).Msg("conversion not tracked")
		return TrackResult{Error: err.Error()}
	}
	return res
}

// Identify attaches a user identifier to later assignment requests.
func (c *Client) Identify(userID string) {
	c.ident.Identify(userID, nil)
}

// Experiments returns the configuration snapshot, refetching it when stale.
// A failed fetch returns the last snapshot, or nil.
func (c *Client) Experiments(ctx context.Context) []Experiment {
	c.mu.Lock()
	if c.fresh(c.snap) {
		exps := c.snap.Experiments
		c.mu.Unlock()
		return exps
	}
	var stale []Experiment
	if c.snap != nil {
		stale = c.snap.Experiments
	}
	c.mu.Unlock()

	v, err, _ := c.fetch.Do(KeyConfig, func() (any, error) {
		var resp ConfigResponse
		if err := c.api.GetJSON(ctx, transport.PathConfig, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, transport.ErrRejected
		}
		snap := &snapshot{FetchedAt: c.clk.Now().UnixMilli(), Experiments: resp.Experiments}
		c.mu.Lock()
		c.snap = snap
		c.mu.Unlock()
		if err := storage.SetJSON(c.store, KeyConfig, snap, c.configTTL); err != nil {
			c.log.Debug().Err(err).Msg("experiment config not persisted")
		}
		return snap.Experiments, nil
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("experiment config fetch failed")
		return stale
	}
	return v.([]Experiment)
}

// ActiveExperiments returns the running experiments of the snapshot.
func (c *Client) ActiveExperiments(ctx context.Context) []Experiment {
	var out []Experiment
	for _, exp := range c.Experiments(ctx) {
		if exp.Status == "" || strings.EqualFold(exp.Status, "running") || strings.EqualFold(exp.Status, "active") {
			out = append(out, exp)
		}
	}
	return out
}

// Assignments returns a copy of the cached assignments keyed by experiment.
func (c *Client) Assignments() map[string]Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.assignments)
}

// Reset clears cached assignments and the configuration snapshot, and
// regenerates the visitor.
func (c *Client) Reset() {
	c.mu.Lock()
	c.assignments = map[string]Assignment{}
	c.snap = nil
	for _, key := range []string{KeyAssignments, KeyConfig} {
		if err := c.store.Delete(key); err != nil {
			c.log.Debug().Err(err).Str("key", key).Msg("not cleared")
		}
	}
	c.mu.Unlock()
	c.ident.Reset()
}

// DeviceType classifies a user agent as mobile, tablet or desktop.
func DeviceType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}
