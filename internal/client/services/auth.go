// Package services holds the process-wide services the CLI drives: the
// session manager (AuthService) and the record service that fronts the
// local store, the write pipeline and replication.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/repositories/kv"
	"github.com/nhy497/rs-system-sub000/internal/common"
	"github.com/nhy497/rs-system-sub000/internal/cryptox"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

// Keys the session manager owns in the local store.
const (
	KeySession          = "session"
	KeyCurrentPrincipal = "current-principal"
	KeyUsers            = "users"
	// KeyTokenSecret holds the generated signing key when none is
	// configured, so sibling processes and restarts agree on it.
	KeyTokenSecret = "session-secret"
	// KeyLoginAttempts holds recent failures and lockouts per lower-cased
	// username.
	KeyLoginAttempts = "login-attempts"
)

const (
	DefaultSessionTimeout  = 24 * time.Hour
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
	DefaultRootUsername    = "admin"

	maxJitter = 100 * time.Millisecond
)

var (
	ErrLocked     = errors.New("account temporarily locked")
	ErrNoSession  = errors.New("no active session")
	ErrUserExists = errors.New("user already exists")
	ErrRootExists = errors.New("a root user already exists")
	ErrBadInput   = errors.New("username and password are required")
)

type AuthConfig struct {
	SessionTimeout  time.Duration
	MaxAttempts     int
	LockoutDuration time.Duration
	TokenSecret     []byte

	// RootUsername and RootPassword seed the root credential when the
	// table has none. An empty password is replaced by a random one that
	// is handed to the root password notice once.
	RootUsername string
	RootPassword string

	Params cryptox.Params
}

func (c AuthConfig) withDefaults() AuthConfig {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.RootUsername == "" {
		c.RootUsername = DefaultRootUsername
	}
	if c.Params == (cryptox.Params{}) {
		c.Params = cryptox.DefaultParams
	}
	return c
}

// AuthReason says why an authentication step did not succeed.
type AuthReason string

const (
	ReasonNone               AuthReason = ""
	ReasonInvalidCredentials AuthReason = "invalid-credentials"
	ReasonLocked             AuthReason = "locked"
	ReasonNoSession          AuthReason = "no-session"
	ReasonMalformed          AuthReason = "malformed-session"
	ReasonExpired            AuthReason = "expired"
	ReasonUnavailable        AuthReason = "store-unavailable"
)

// AuthResult is what Login and CheckSession return. Failures are values,
// not errors; Err converts for callers that prefer one.
type AuthResult struct {
	OK           bool
	Reason       AuthReason
	Session      models.Session
	RetryAfter   time.Duration
	AttemptsLeft int
}

func (r AuthResult) Err() error {
	switch {
	case r.OK:
		return nil
	case r.Reason == ReasonInvalidCredentials:
		return common.ErrUnauthorized
	case r.Reason == ReasonLocked:
		return fmt.Errorf("%w: retry in %s", ErrLocked, r.RetryAfter.Round(time.Second))
	case r.Reason == ReasonExpired:
		return common.ErrTokenExpired
	case r.Reason == ReasonMalformed:
		return common.ErrInvalidToken
	case r.Reason == ReasonNoSession:
		return ErrNoSession
	default:
		return fmt.Errorf("authentication failed: %s", r.Reason)
	}
}

type AuthState int

const (
	StateAnonymous AuthState = iota
	StateAuthenticating
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// attemptLog is the persisted failure history of one username. Times are
// unix milliseconds.
type attemptLog struct {
	Failures    []int64 `json:"failures,omitempty"`
	LockedUntil int64   `json:"lockedUntil,omitempty"`
}

// AuthService is the session manager. It is safe for concurrent use.
type AuthService struct {
	cfg    AuthConfig
	store  kv.Store
	logger logging.Logger

	now         func() time.Time
	jitter      func(ctx context.Context)
	fingerprint func() string
	rootNotice  func(username, password string)

	mu       sync.Mutex
	state    AuthState
	current  models.AuthContext
	attempts map[string]*attemptLog

	keyMu sync.Mutex

	// dummy keeps unknown-user logins as slow as real ones.
	dummyOnce sync.Once
	dummy     string
}

type AuthOption func(*AuthService)

func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

// WithJitter replaces the random pre-verification delay.
func WithJitter(fn func(ctx context.Context)) AuthOption {
	return func(s *AuthService) { s.jitter = fn }
}

func WithFingerprint(fn func() string) AuthOption {
	return func(s *AuthService) { s.fingerprint = fn }
}

// WithRootPasswordNotice receives a generated root password. It is the only
// place the password ever appears; the log only says one was generated.
func WithRootPasswordNotice(fn func(username, password string)) AuthOption {
	return func(s *AuthService) { s.rootNotice = fn }
}

func NewAuthService(store kv.Store, cfg AuthConfig, logger logging.Logger, opts ...AuthOption) *AuthService {
	s := &AuthService{
		cfg:         cfg.withDefaults(),
		store:       store,
		logger:      logger.With("component", "auth"),
		now:         time.Now,
		jitter:      randomJitter,
		fingerprint: DeviceFingerprint,
		attempts:    make(map[string]*attemptLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomJitter(ctx context.Context) {
	t := time.NewTimer(rand.N(maxJitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Current returns the principal the process acts for; the zero value when
// nobody is logged in.
func (s *AuthService) Current() models.AuthContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *AuthService) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Login verifies username and password against the credential table.
func (s *AuthService) Login(ctx context.Context, username string, password []byte) AuthResult {
	username = strings.TrimSpace(username)
	key := strings.ToLower(username)
	now := s.now()

	s.mu.Lock()
	s.loadAttemptsLocked(ctx)
	if res, locked := s.lockedLocked(ctx, key, now); locked {
		s.mu.Unlock()
		s.logger.Warn(ctx, "login rejected, account locked", "username", username, "retry_after", res.RetryAfter)
		return res
	}
	prev := s.state
	s.state = StateAuthenticating
	s.mu.Unlock()

	s.jitter(ctx)

	users, err := s.loadUsers(ctx)
	if err != nil {
		s.logger.Error(ctx, "credential table unavailable", "error", err)
		s.restoreState(prev)
		return AuthResult{Reason: ReasonUnavailable}
	}

	cred, found := findUser(users, username)
	ok := s.verify(cred, found, password)
	if !ok {
		res := s.recordFailure(ctx, key, s.now())
		s.restoreState(prev)
		s.logger.Warn(ctx, "login failed", "username", username, "attempts_left", res.AttemptsLeft)
		return res
	}

	s.mu.Lock()
	s.loadAttemptsLocked(ctx)
	if _, ok := s.attempts[key]; ok {
		delete(s.attempts, key)
		s.saveAttemptsLocked(ctx)
	}
	s.mu.Unlock()

	sess, err := s.startSession(ctx, cred)
	if err != nil {
		s.logger.Error(ctx, "session not persisted", "username", username, "error", err)
		s.restoreState(prev)
		return AuthResult{Reason: ReasonUnavailable}
	}

	s.logger.Info(ctx, "login", "username", cred.Username, "role", cred.Role, "session", sess.SessionID)
	return AuthResult{OK: true, Session: sess}
}

func (s *AuthService) verify(cred models.Credential, found bool, password []byte) bool {
	verifier := cred.PasswordVerifier
	if !found {
		s.dummyOnce.Do(func() {
			s.dummy = cryptox.NewVerifier(common.GenerateRandByteArray(16), s.cfg.Params)
		})
		verifier = s.dummy
	}
	match, err := cryptox.CheckVerifier(verifier, password)
	return found && err == nil && match
}

// lockedLocked reports an active lock, lifting an expired one. s.mu held.
func (s *AuthService) lockedLocked(ctx context.Context, key string, now time.Time) (AuthResult, bool) {
	log, ok := s.attempts[key]
	if !ok || log.LockedUntil == 0 {
		return AuthResult{}, false
	}
	until := time.UnixMilli(log.LockedUntil)
	if now.Before(until) {
		return AuthResult{Reason: ReasonLocked, RetryAfter: until.Sub(now)}, true
	}
	delete(s.attempts, key)
	s.saveAttemptsLocked(ctx)
	return AuthResult{}, false
}

func (s *AuthService) recordFailure(ctx context.Context, key string, now time.Time) AuthResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A sibling may have failed in the meantime.
	s.loadAttemptsLocked(ctx)
	log, ok := s.attempts[key]
	if !ok {
		log = &attemptLog{}
		s.attempts[key] = log
	}

	cutoff := now.Add(-s.cfg.LockoutDuration).UnixMilli()
	log.Failures = slices.DeleteFunc(log.Failures, func(t int64) bool { return t < cutoff })
	log.Failures = append(log.Failures, now.UnixMilli())

	res := AuthResult{Reason: ReasonInvalidCredentials, AttemptsLeft: s.cfg.MaxAttempts - len(log.Failures)}
	if res.AttemptsLeft <= 0 {
		log.LockedUntil = now.Add(s.cfg.LockoutDuration).UnixMilli()
		res.AttemptsLeft = 0
		res.RetryAfter = s.cfg.LockoutDuration
	}
	s.saveAttemptsLocked(ctx)
	return res
}

// loadAttemptsLocked refreshes the attempt table from the store so sibling
// processes and restarts share lockouts. When the store cannot be read the
// in-memory table stays in force. s.mu held.
func (s *AuthService) loadAttemptsLocked(ctx context.Context) {
	raw, ok, err := s.store.Get(ctx, KeyLoginAttempts)
	if err != nil {
		s.logger.Warn(ctx, "login attempts unreadable", "error", err)
		return
	}
	attempts := make(map[string]*attemptLog)
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &attempts); err != nil {
			s.logger.Warn(ctx, "malformed login attempts ignored", "error", err)
			return
		}
	}
	for k, v := range attempts {
		if v == nil {
			delete(attempts, k)
		}
	}
	s.attempts = attempts
}

// saveAttemptsLocked writes the attempt table back; failures are logged.
// s.mu held.
func (s *AuthService) saveAttemptsLocked(ctx context.Context) {
	var err error
	if len(s.attempts) == 0 {
		err = s.store.Remove(ctx, KeyLoginAttempts)
	} else {
		err = s.putJSON(ctx, KeyLoginAttempts, s.attempts)
	}
	if err != nil {
		s.logger.Warn(ctx, "login attempts not persisted", "error", err)
	}
}

func (s *AuthService) restoreState(prev AuthState) {
	s.mu.Lock()
	if s.state == StateAuthenticating {
		s.state = prev
	}
	s.mu.Unlock()
}

func (s *AuthService) startSession(ctx context.Context, cred models.Credential) (models.Session, error) {
	now := s.now()
	sess := models.Session{
		PrincipalID:     cred.ID,
		Username:        cred.Username,
		SessionID:       uuid.NewString(),
		CreatedAt:       now.UnixMilli(),
		ExpiresAt:       now.Add(s.cfg.SessionTimeout).UnixMilli(),
		FingerprintHash: s.fingerprint(),
		Role:            cred.Role,
	}
	key, err := s.signingKey(ctx)
	if err != nil {
		return models.Session{}, err
	}
	token, err := signSession(sess, key)
	if err != nil {
		return models.Session{}, fmt.Errorf("sign session: %w", err)
	}
	sess.Token = token

	if err := s.putJSON(ctx, KeySession, sess); err != nil {
		return models.Session{}, err
	}
	principal := models.Principal{ID: cred.ID, Username: cred.Username, Email: cred.Email, Role: cred.Role}
	if err := s.putJSON(ctx, KeyCurrentPrincipal, principal); err != nil {
		_ = s.store.Remove(ctx, KeySession)
		return models.Session{}, err
	}

	s.mu.Lock()
	s.current = contextFor(sess)
	s.state = StateAuthenticated
	s.mu.Unlock()
	return sess, nil
}

// signingKey returns the configured token secret, or the one stored under
// KeyTokenSecret, creating it on first use.
func (s *AuthService) signingKey(ctx context.Context) ([]byte, error) {
	if len(s.cfg.TokenSecret) > 0 {
		return s.cfg.TokenSecret, nil
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	raw, ok, err := s.store.Get(ctx, KeyTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("read session key: %w", err)
	}
	if ok && raw != "" {
		return []byte(raw), nil
	}
	secret, err := common.MakeRandHexString(32)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, KeyTokenSecret, secret); err != nil {
		return nil, fmt.Errorf("store session key: %w", err)
	}
	s.logger.Info(ctx, "session signing key generated")
	return []byte(secret), nil
}

// CheckSession validates the persisted session. Anything but a well-formed,
// correctly signed, unexpired session ends in an implicit logout.
func (s *AuthService) CheckSession(ctx context.Context) AuthResult {
	raw, ok, err := s.store.Get(ctx, KeySession)
	if err != nil {
		s.logger.Error(ctx, "session unreadable", "error", err)
		return AuthResult{Reason: ReasonUnavailable}
	}
	if !ok {
		s.clear(ctx, "no session")
		return AuthResult{Reason: ReasonNoSession}
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || !sess.Complete() {
		s.logger.Warn(ctx, "malformed session discarded")
		s.clear(ctx, "malformed session")
		return AuthResult{Reason: ReasonMalformed}
	}
	key, err := s.signingKey(ctx)
	if err != nil {
		s.logger.Error(ctx, "session key unreadable", "error", err)
		return AuthResult{Reason: ReasonUnavailable}
	}
	if err := verifySession(sess, key); err != nil {
		s.logger.Warn(ctx, "session token rejected", "username", sess.Username, "error", err)
		s.clear(ctx, "invalid session token")
		return AuthResult{Reason: ReasonMalformed}
	}
	if sess.Expired(s.now()) {
		s.clear(ctx, "session expired")
		return AuthResult{Reason: ReasonExpired, Session: sess}
	}
	if fp := s.fingerprint(); fp != sess.FingerprintHash {
		s.logger.Warn(ctx, "session fingerprint changed", "username", sess.Username)
	}

	s.mu.Lock()
	s.current = contextFor(sess)
	s.state = StateAuthenticated
	s.mu.Unlock()
	return AuthResult{OK: true, Session: sess}
}

// Logout ends the session. It never fails; storage errors are logged.
func (s *AuthService) Logout(ctx context.Context) {
	s.clear(ctx, "logout")
}

func (s *AuthService) clear(ctx context.Context, why string) {
	for _, key := range []string{KeySession, KeyCurrentPrincipal} {
		if err := s.store.Remove(ctx, key); err != nil {
			s.logger.Warn(ctx, "session cleanup failed", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	prev := s.current
	s.current = models.AuthContext{}
	s.state = StateAnonymous
	s.mu.Unlock()

	if prev.Authenticated() {
		s.logger.Info(ctx, "logout", "username", prev.Username, "session", prev.SessionID, "reason", why)
	}
}

// Users lists the credential table without secrets.
func (s *AuthService) Users(ctx context.Context) ([]models.Principal, error) {
	users, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Principal, 0, len(users))
	for _, u := range users {
		out = append(out, models.Principal{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role})
	}
	return out, nil
}

// AddUser creates a credential. Only root may add users and there is never
// more than one root.
func (s *AuthService) AddUser(ctx context.Context, username, email string, password []byte, role string) (models.Principal, error) {
	if !s.Current().IsRoot() {
		return models.Principal{}, common.ErrForbidden
	}
	username = strings.TrimSpace(username)
	if username == "" || len(password) == 0 {
		return models.Principal{}, ErrBadInput
	}
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleRoot {
		return models.Principal{}, fmt.Errorf("unknown role %q", role)
	}

	users, err := s.loadUsers(ctx)
	if err != nil {
		return models.Principal{}, err
	}
	if _, found := findUser(users, username); found {
		return models.Principal{}, ErrUserExists
	}
	if role == models.RoleRoot {
		return models.Principal{}, ErrRootExists
	}

	cred := models.Credential{
		ID:               uuid.NewString(),
		Username:         username,
		Email:            email,
		Role:             role,
		PasswordVerifier: cryptox.NewVerifier(password, s.cfg.Params),
		CreatedAt:        s.now().UnixMilli(),
	}
	if err := s.putJSON(ctx, KeyUsers, append(users, cred)); err != nil {
		return models.Principal{}, err
	}
	s.logger.Info(ctx, "user added", "username", username, "by", s.Current().Username)
	return models.Principal{ID: cred.ID, Username: cred.Username, Email: cred.Email, Role: cred.Role}, nil
}

// loadUsers reads and normalizes the credential table, writing it back
// when normalization changed it.
func (s *AuthService) loadUsers(ctx context.Context) ([]models.Credential, error) {
	raw, ok, err := s.store.Get(ctx, KeyUsers)
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	var users []models.Credential
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &users); err != nil {
			return nil, fmt.Errorf("decode users: %w", err)
		}
	}

	users, changed := s.normalize(ctx, users)
	if changed {
		if err := s.putJSON(ctx, KeyUsers, users); err != nil {
			s.logger.Warn(ctx, "normalized credential table not written back", "error", err)
		}
	}
	return users, nil
}

// normalize keeps exactly one root: the oldest one keeps the role, later
// ones are demoted; with none, the configured root is promoted or created.
func (s *AuthService) normalize(ctx context.Context, users []models.Credential) ([]models.Credential, bool) {
	changed := false
	oldest := -1
	for i, u := range users {
		if u.Role != models.RoleRoot {
			continue
		}
		if oldest < 0 || u.CreatedAt < users[oldest].CreatedAt {
			oldest = i
		}
	}
	for i := range users {
		if users[i].Role == models.RoleRoot && i != oldest {
			s.logger.Warn(ctx, "duplicate root demoted", "username", users[i].Username)
			users[i].Role = models.RoleUser
			changed = true
		}
	}
	if oldest >= 0 {
		return users, changed
	}

	if i := slices.IndexFunc(users, func(u models.Credential) bool {
		return strings.EqualFold(u.Username, s.cfg.RootUsername)
	}); i >= 0 {
		users[i].Role = models.RoleRoot
		s.logger.Warn(ctx, "configured root promoted", "username", users[i].Username)
		return users, true
	}

	password := s.cfg.RootPassword
	if password == "" {
		generated, err := common.MakeRandHexString(12)
		if err != nil {
			s.logger.Error(ctx, "root password generation failed", "error", err)
			return users, changed
		}
		password = generated
		s.logger.Warn(ctx, "root credential created with a generated password", "username", s.cfg.RootUsername)
		if s.rootNotice != nil {
			s.rootNotice(s.cfg.RootUsername, password)
		}
	}
	users = append(users, models.Credential{
		ID:               uuid.NewString(),
		Username:         s.cfg.RootUsername,
		Role:             models.RoleRoot,
		PasswordVerifier: cryptox.NewVerifier([]byte(password), s.cfg.Params),
		CreatedAt:        s.now().UnixMilli(),
	})
	return users, true
}

func (s *AuthService) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, string(b)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func findUser(users []models.Credential, username string) (models.Credential, bool) {
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return models.Credential{}, false
}

func contextFor(s models.Session) models.AuthContext {
	return models.AuthContext{
		PrincipalID: s.PrincipalID,
		Username:    s.Username,
		Role:        s.Role,
		SessionID:   s.SessionID,
	}
}
