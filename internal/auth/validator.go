package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/frc-emotion/nautilus/internal/clock"
	"github.com/frc-emotion/nautilus/internal/connectivity"
	"github.com/frc-emotion/nautilus/internal/store"
	"go.uber.org/zap"
)

// DefaultValidatePath is the backend route that confirms a token.
const DefaultValidatePath = "/api/auth/validate"

// StateSource reports current connectivity. *connectivity.Machine satisfies it.
type StateSource interface {
	Current() connectivity.State
}

// Options configures a Validator.
type Options struct {
	BaseURL      string
	ValidatePath string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Store        store.KV
	State        StateSource
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Validator confirms tokens and caches the resulting user.
type Validator struct {
	url    string
	client *http.Client
	kv     store.KV
	state  StateSource
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewValidator creates a Validator.
func NewValidator(opts Options) *Validator {
	if opts.ValidatePath == "" {
		opts.ValidatePath = DefaultValidatePath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Validator{
		url:    strings.TrimRight(opts.BaseURL, "/") + opts.ValidatePath,
		client: opts.HTTPClient,
		kv:     opts.Store,
		state:  opts.State,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// Validate checks token expiry locally and, when the backend is reachable,
// asks it to confirm the token. Offline it returns the cached user.
func (v *Validator) Validate(ctx context.Context, token string) (*User, error) {
	claims, err := Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.Expired(v.clock.Now()) {
		return nil, fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if v.state == nil || v.state.Current() != connectivity.Connected {
		return v.fromCache(ctx, token)
	}

	user, err := v.confirm(ctx, token)
	if errors.Is(err, ErrTokenRejected) {
		return nil, err
	}
	if err != nil {
		v.logger.Warn("token confirmation failed, using cached user", zap.Error(err))
		return v.fromCache(ctx, token)
	}

	if err := v.kv.Set(ctx, store.KeyUser, string(user.Raw)); err != nil {
		v.logger.Error("failed to cache user", zap.Error(err))
	}
	v.remember(ctx, token)
	return user, nil
}

func (v *Validator) fromCache(ctx context.Context, token string) (*User, error) {
	user, err := v.CachedUser(ctx)
	if err != nil {
		return nil, err
	}
	v.remember(ctx, token)
	return user, nil
}

// Token returns the bearer token of the current session, or "" when there is
// none. It is attached to requests sent on the session's behalf.
func (v *Validator) Token() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.token
}

// Restore reloads the session token saved by a previous run. An expired or
// unreadable token is discarded.
func (v *Validator) Restore(ctx context.Context) error {
	token, err := v.kv.Get(ctx, store.KeySession)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	claims, err := Decode(token)
	if err == nil && claims.Expired(v.clock.Now()) {
		err = ErrTokenExpired
	}
	if err != nil {
		v.logger.Info("discarding saved session", zap.Error(err))
		return v.kv.Remove(ctx, store.KeySession)
	}
	v.mu.Lock()
	v.token = token
	v.mu.Unlock()
	v.logger.Info("session restored", zap.String("subject", claims.Subject))
	return nil
}

func (v *Validator) remember(ctx context.Context, token string) {
	v.mu.Lock()
	v.token = token
	v.mu.Unlock()
	if err := v.kv.Set(ctx, store.KeySession, token); err != nil {
		v.logger.Error("failed to save session", zap.Error(err))
	}
}

// CachedUser returns the last user confirmed by the backend.
func (v *Validator) CachedUser(ctx context.Context) (*User, error) {
	raw, err := v.kv.Get(ctx, store.KeyUser)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCachedUser
	}
	if err != nil {
		return nil, fmt.Errorf("read cached user: %w", err)
	}
	return parseUser([]byte(raw))
}

// ClearSession forgets the cached user and the session token.
func (v *Validator) ClearSession(ctx context.Context) error {
	v.mu.Lock()
	v.token = ""
	v.mu.Unlock()
	if err := errors.Join(v.kv.Remove(ctx, store.KeyUser), v.kv.Remove(ctx, store.KeySession)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	v.logger.Info("session cleared")
	return nil
}

func (v *Validator) confirm(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read validate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTokenRejected, resp.StatusCode)
	}
	user, err := parseUser(body)
	if errors.Is(err, errEmptyUser) {
		return nil, fmt.Errorf("%w: response carries no user", ErrTokenRejected)
	}
	return user, err
}
