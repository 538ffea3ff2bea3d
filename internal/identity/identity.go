// Package identity persists the long-lived visitor id and the activity-bounded
// session id, and produces the session metadata attached to the first batch
// of every session.
//
// Persistence is best effort: storage errors are logged and swallowed, and
// the store keeps working from memory for the rest of the process lifetime.
package identity

import (
	"errors"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
	"github.com/fakeyudi/pulse/internal/storage"
)

// Storage keys.
const (
	KeyVisitor = "pulse_visitor_id"
	KeySession = "pulse_session"
	KeyUser    = "pulse_user"
)

// DefaultSessionTimeout is the inactivity window after which a session expires.
const DefaultSessionTimeout = 30 * time.Minute

// Environment describes the host the client runs in. It is the source of
// the session metadata snapshot.
type Environment struct {
	UserAgent      string
	Language       string
	Referrer       string
	PageURL        string
	ScreenWidth    int
	ScreenHeight   int
	ViewportWidth  int
	ViewportHeight int
}

// sessionRecord is the persisted session state.
type sessionRecord struct {
	ID             string `json:"id"`
	LastActivity   int64  `json:"last_activity"` // epoch milliseconds
	FirstBatchSent bool   `json:"first_batch_sent"`
}

type userRecord struct {
	ID     string         `json:"id"`
	Traits map[string]any `json:"traits,omitempty"`
}

// Store owns the visitor and session identity.
type Store struct {
	mu      sync.Mutex
	store   storage.Storage
	clk     clock.Clock
	env     Environment
	log     zerolog.Logger
	timeout time.Duration
	newID   func() string
	onStart []func(sessionID string)
	visitor string
	session sessionRecord
	user    userRecord
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the session inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithSessionStart registers a callback invoked whenever a new session is
// minted, including during New.
func WithSessionStart(fn func(sessionID string)) Option {
	return func(s *Store) { s.onStart = append(s.onStart, fn) }
}

// WithIDGenerator overrides the id generator (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New restores or creates the visitor and session identity from store.
// A nil store runs purely in memory.
func New(store storage.Storage, clk clock.Clock, env Environment, opts ...Option) *Store {
	if store == nil {
		store = storage.NewMemory()
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{
		store:   store,
		clk:     clk,
		env:     env,
		log:     zerolog.Nop(),
		timeout: DefaultSessionTimeout,
		newID:   func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}

	s.mu.Lock()
	s.loadVisitor()
	s.loadUser()
	started := s.loadSession()
	id := s.session.ID
	s.mu.Unlock()

	if started {
		s.fireSessionStart(id)
	}
	return s
}

func (s *Store) loadVisitor() {
	if data, err := s.store.Get(KeyVisitor); err == nil && len(data) > 0 {
		s.visitor = string(data)
		return
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Debug().Err(err).Msg("visitor id unreadable, minting a new one")
	}
	s.visitor = s.newID()
	s.persist(KeyVisitor, []byte(s.visitor), 0)
}

func (s *Store) loadUser() {
	var rec userRecord
	if err := storage.GetJSON(s.store, KeyUser, &rec); err == nil {
		s.user = rec
	}
}

// loadSession restores a live session or mints a new one. It reports whether
// a new session was started. s.mu must be held.
func (s *Store) loadSession() bool {
	var rec sessionRecord
	if err := storage.GetJSON(s.store, KeySession, &rec); err == nil && rec.ID != "" && s.live(rec) {
		rec.FirstBatchSent = true
		s.session = rec
		s.log.Debug().Str("session_id", rec.ID).Msg("restored session")
		return false
	}
	s.mintSession()
	return true
}

// live reports whether rec saw activity within the timeout window.
func (s *Store) live(rec sessionRecord) bool {
	return s.clk.Now().UnixMilli()-rec.LastActivity < s.timeout.Milliseconds()
}

// mintSession replaces the current session. s.mu must be held.
func (s *Store) mintSession() {
	s.session = sessionRecord{ID: s.newID(), LastActivity: s.clk.Now().UnixMilli()}
	s.saveSession()
	s.log.Info().Str("session_id", s.session.ID).Msg("started session")
}

func (s *Store) saveSession() {
	if err := storage.SetJSON(s.store, KeySession, s.session, s.timeout); err != nil {
		s.log.Debug().Err(err).Msg("session not persisted")
	}
}

func (s *Store) persist(key string, value []byte, ttl time.Duration) {
	if err := s.store.Set(key, value, ttl); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("storage unavailable, keeping value in memory")
	}
}

func (s *Store) fireSessionStart(id string) {
	for _, fn := range s.onStart {
		fn(id)
	}
}

// checkExpiry rolls the session over when it has been idle past the timeout.
// It returns the new session id when a rollover happened.
func (s *Store) checkExpiry() (string, bool) {
	if s.live(s.session) {
		return "", false
	}
	s.mintSession()
	return s.session.ID, true
}

// VisitorID returns the persistent visitor identifier.
func (s *Store) VisitorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitor
}

// SessionID returns the current session id, rolling over to a new session if
// the current one has expired.
func (s *Store) SessionID() string {
	s.mu.Lock()
	id, rolled := s.checkExpiry()
	if !rolled {
		id = s.session.ID
	}
	s.mu.Unlock()
	if rolled {
		s.fireSessionStart(id)
	}
	return id
}

// Touch records user activity: it rolls an expired session over and then
// extends the current one.
func (s *Store) Touch() {
	s.mu.Lock()
	id, rolled := s.checkExpiry()
	s.session.LastActivity = s.clk.Now().UnixMilli()
	s.saveSession()
	s.mu.Unlock()
	if rolled {
		s.fireSessionStart(id)
	}
}

// LastActivity returns the time of the last recorded activity.
func (s *Store) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.UnixMilli(s.session.LastActivity)
}

// StartSession explicitly begins a new session and returns its id.
func (s *Store) StartSession() string {
	s.mu.Lock()
	s.mintSession()
	id := s.session.ID
	s.mu.Unlock()
	s.fireSessionStart(id)
	return id
}

// Identify attaches a logical user to subsequent batches. Visitor and session
// ids are unchanged. Traits are merged into any existing traits.
func (s *Store) Identify(userID string, traits map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != s.user.ID {
		s.user.Traits = nil
	}
	s.user.ID = userID
	if len(traits) > 0 {
		if s.user.Traits == nil {
			s.user.Traits = make(map[string]any, len(traits))
		}
		maps.Copy(s.user.Traits, traits)
	}
	if err := storage.SetJSON(s.store, KeyUser, s.user, 0); err != nil {
		s.log.Debug().Err(err).Msg("user not persisted")
	}
}

// UserID returns the identified user, or "" when anonymous.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}

// IsFirstBatchForSession reports whether session metadata still has to be
// sent for the current session.
func (s *Store) IsFirstBatchForSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.session.FirstBatchSent
}

// MarkFirstBatchSent records that the current session's metadata was delivered.
func (s *Store) MarkFirstBatchSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.FirstBatchSent {
		return
	}
	s.session.FirstBatchSent = true
	s.saveSession()
}

// SessionMetadata snapshots the environment at call time.
func (s *Store) SessionMetadata() event.SessionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := event.SessionMetadata{
		ScreenWidth:    s.env.ScreenWidth,
		ScreenHeight:   s.env.ScreenHeight,
		ViewportWidth:  s.env.ViewportWidth,
		ViewportHeight: s.env.ViewportHeight,
		Language:       s.env.Language,
		Referrer:       s.env.Referrer,
		UserAgent:      s.env.UserAgent,
	}
	if utm := ParseUTM(s.env.PageURL); !utm.Empty() {
		md.UTM = &utm
	}
	if len(s.user.Traits) > 0 {
		md.Traits = maps.Clone(s.user.Traits)
	}
	return md
}

// Environment returns the configured environment.
func (s *Store) Environment() Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}

// SetPageURL updates the current page URL, used for event envelopes and UTM
// parsing.
func (s *Store) SetPageURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.PageURL = u
}

// Reset discards the visitor, user and session and mints fresh ones.
func (s *Store) Reset() {
	s.mu.Lock()
	s.visitor = s.newID()
	s.persist(KeyVisitor, []byte(s.visitor), 0)
	s.user = userRecord{}
	if err := s.store.Delete(KeyUser); err != nil {
		s.log.Debug().Err(err).Msg("user not cleared")
	}
	s.mintSession()
	id := s.session.ID
	s.mu.Unlock()
	s.fireSessionStart(id)
}

// ParseUTM extracts utm_* parameters from a URL. Invalid URLs yield an empty UTM.
func ParseUTM(raw string) event.UTM {
	if raw == "" {
		return event.UTM{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return event.UTM{}
	}
	q := u.Query()
	return event.UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Term:     q.Get("utm_term"),
		Content:  q.Get("utm_content"),
	}
}
