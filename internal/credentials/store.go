// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credentials caches per-provider OAuth tokens sourced from shell
// commands or files, refreshing them ahead of expiry and on demand after
// upstream authentication failures.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yduwcui/ccproxy/configapi"
)

const (
	// sourceTimeout is the hard timeout for executing a shell source.
	sourceTimeout = 5 * time.Second
	// refreshInterval is the tick of the background refresh loop.
	refreshInterval = 1800 * time.Second
)

// entry is one cached token. Token and LoadedAt are always written together
// under the store mutex, so a reader never observes a torn pair.
type entry struct {
	token    string
	loadedAt time.Time
}

// Store caches OAuth tokens for every configured provider.
type Store struct {
	mu         sync.Mutex
	tokens     map[string]entry
	userAgents map[string]string

	sources       map[string]configapi.OAuthSource
	ttl           time.Duration
	refreshBuffer float64

	sf     singleflight.Group
	logger *slog.Logger

	loopOnce sync.Once

	// OnRefresh, when set before any refresh happens, observes every refresh
	// outcome. Used to feed metrics.
	OnRefresh func(provider string, ok bool)

	// now is replaceable for tests.
	now func() time.Time
}

// NewStore creates a Store from the configured sources. No tokens are loaded
// until LoadAll is called.
func NewStore(cfg *configapi.Config, logger *slog.Logger) *Store {
	ttl := time.Duration(cfg.OAuthTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = configapi.DefaultOAuthTTLSeconds * time.Second
	}
	buffer := cfg.OAuthRefreshBuffer
	if buffer <= 0 {
		buffer = configapi.DefaultOAuthRefreshBuffer
	}
	sources := make(map[string]configapi.OAuthSource, len(cfg.OATSources))
	for provider, src := range cfg.OATSources {
		sources[provider] = src
	}
	return &Store{
		tokens:        make(map[string]entry),
		userAgents:    make(map[string]string),
		sources:       sources,
		ttl:           ttl,
		refreshBuffer: buffer,
		logger:        logger,
		now:           time.Now,
	}
}

// LoadAll executes every configured source once and caches the results.
// It fails only when every source fails; partial failures are logged.
func (s *Store) LoadAll(ctx context.Context) error {
	if len(s.sources) == 0 {
		return nil
	}
	var failed []string
	for provider, src := range s.sources {
		token, err := executeSource(ctx, &src)
		if err != nil {
			s.logger.Warn("failed to load oauth token",
				slog.String("provider", provider), slog.String("error", err.Error()))
			failed = append(failed, provider)
			continue
		}
		s.mu.Lock()
		s.tokens[provider] = entry{token: token, loadedAt: s.now()}
		if src.UserAgent != "" {
			s.userAgents[provider] = src.UserAgent
		}
		s.mu.Unlock()
		s.logger.Info("oauth token loaded", slog.String("provider", provider))
	}
	if len(failed) == len(s.sources) {
		return fmt.Errorf("all oauth sources failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// OAuthToken returns the cached token for the provider, or "" when absent.
func (s *Store) OAuthToken(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[provider].token
}

// OAuthUserAgent returns the configured User-Agent for the provider, or "".
func (s *Store) OAuthUserAgent(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgents[provider]
}

// HasSource reports whether a credential source is configured for the provider.
func (s *Store) HasSource(provider string) bool {
	_, ok := s.sources[provider]
	return ok
}

// ProviderForDestination resolves the provider owning an upstream URL by a
// case-insensitive substring scan of every source's destination list. The
// first match wins; "" means no match.
func (s *Store) ProviderForDestination(apiBase string) string {
	if apiBase == "" {
		return ""
	}
	needle := strings.ToLower(apiBase)
	for provider, src := range s.sources {
		for _, dest := range src.Destinations {
			if dest != "" && strings.Contains(needle, strings.ToLower(dest)) {
				return provider
			}
		}
	}
	return ""
}

// IsExpired reports whether the provider's token is missing or inside the
// refresh buffer ahead of its TTL.
func (s *Store) IsExpired(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[provider]
	if !ok {
		return true
	}
	effective := time.Duration(float64(s.ttl) * (1 - s.refreshBuffer))
	return s.now().Sub(e.loadedAt) >= effective
}

// Refresh re-executes the provider's source and atomically replaces the cached
// token. Concurrent refreshes for the same provider collapse into one source
// execution. On failure the previous token is preserved and "" is returned.
func (s *Store) Refresh(ctx context.Context, provider string) string {
	src, ok := s.sources[provider]
	if !ok {
		return ""
	}
	token, err, _ := s.sf.Do(provider, func() (any, error) {
		token, err := executeSource(ctx, &src)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.tokens[provider] = entry{token: token, loadedAt: s.now()}
		s.mu.Unlock()
		return token, nil
	})
	if s.OnRefresh != nil {
		s.OnRefresh(provider, err == nil)
	}
	if err != nil {
		s.logger.Warn("oauth refresh failed",
			slog.String("provider", provider), slog.String("error", err.Error()))
		return ""
	}
	s.logger.Info("oauth token refreshed", slog.String("provider", provider))
	return token.(string)
}

// StartRefreshLoop starts the background refresh loop once; repeated calls are
// no-ops. The loop exits when ctx is cancelled.
func (s *Store) StartRefreshLoop(ctx context.Context) {
	s.loopOnce.Do(func() {
		go s.refreshLoop(ctx)
	})
}

func (s *Store) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	s.logger.Info("oauth refresh loop started", slog.String("interval", refreshInterval.String()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("oauth refresh loop stopped")
			return
		case <-ticker.C:
			for provider := range s.sources {
				if s.IsExpired(provider) {
					s.Refresh(ctx, provider)
				}
			}
		}
	}
}

// executeSource obtains a token from a shell command or a file. Empty output
// is a failure either way.
func executeSource(ctx context.Context, src *configapi.OAuthSource) (string, error) {
	if src.File != "" {
		raw, err := os.ReadFile(src.File)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", fmt.Errorf("token file %s is empty", src.File)
		}
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", src.Command).Output()
	if err != nil {
		return "", fmt.Errorf("token command failed: %w", err)
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("token command produced no output")
	}
	return token, nil
}
