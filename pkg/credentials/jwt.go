// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
)

// ErrNoSubject is returned for tokens without a sub claim.
var ErrNoSubject = errors.New("token has no subject")

// TokenSource fetches a fresh raw JWT, for example from an identity
// provider.
type TokenSource func(ctx context.Context) (string, error)

type JWTOptions struct {
	Source TokenSource
	// Key verifies HMAC signed tokens. Without a key tokens are only
	// decoded; the server is expected to verify them.
	Key []byte
	// RefreshBefore refreshes tokens this long before they expire.
	RefreshBefore time.Duration
	Logger        *zap.SugaredLogger
}

// JWTProvider caches JWTs from a TokenSource and derives the user from their
// sub claim. Tokens are refetched once expired, invalidated or when a
// refresh is forced.
type JWTProvider struct {
	opts JWTOptions
	log  *zap.SugaredLogger
	now  func() time.Time

	mu          sync.Mutex
	current     *Token
	expiresAt   time.Time
	reported    *User
	listener    func(User)
	generation  int
	invalidated bool
}

var _ Provider = (*JWTProvider)(nil)

func NewJWTProvider(opts JWTOptions) *JWTProvider {
	return &JWTProvider{
		opts: opts,
		log:  logger.Or(opts.Logger, logger.ComponentCredentials),
		now:  time.Now,
	}
}

func (p *JWTProvider) valid() bool {
	if p.current == nil || p.invalidated {
		return false
	}

	if p.expiresAt.IsZero() {
		return true
	}

	return p.now().Before(p.expiresAt.Add(-p.opts.RefreshBefore))
}

func (p *JWTProvider) GetToken(ctx context.Context, forceRefresh bool) (*Token, error) {
	p.mu.Lock()
	if !forceRefresh && p.valid() {
		t := *p.current
		p.mu.Unlock()

		return &t, nil
	}

	generation := p.generation
	p.mu.Unlock()

	raw, err := p.opts.Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token: %w", err)
	}

	claims, err := p.parse(raw)
	if err != nil {
		return nil, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrNoSubject
	}

	token := &Token{Value: raw, User: User{UID: sub}}

	p.mu.Lock()

	if p.generation != generation {
		// Another fetch finished first; its token is at least as fresh.
		t := *p.current
		p.mu.Unlock()

		return &t, nil
	}

	p.generation++
	p.current = token
	p.invalidated = false
	p.expiresAt = time.Time{}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.expiresAt = exp.Time
	}

	notify := p.userChangedLocked(token.User)
	p.mu.Unlock()

	if notify != nil {
		p.log.Infof("Credential user changed to %s", token.User)
		notify(token.User)
	}

	t := *token

	return &t, nil
}

// userChangedLocked returns the listener to call when user differs from the
// last reported one.
func (p *JWTProvider) userChangedLocked(user User) func(User) {
	if p.reported != nil && *p.reported == user {
		return nil
	}

	if p.listener == nil {
		return nil
	}

	u := user
	p.reported = &u

	return p.listener
}

func (p *JWTProvider) parse(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}

	if len(p.opts.Key) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, fmt.Errorf("failed to decode token: %w", err)
		}

		return claims, nil
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return p.opts.Key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

func (p *JWTProvider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invalidated = true
}

// SetChangeListener registers fn. If a token was fetched already, fn is
// called with its user right away.
func (p *JWTProvider) SetChangeListener(fn func(User)) {
	p.mu.Lock()
	p.listener = fn
	p.reported = nil

	var notify func(User)

	var user User
	if p.current != nil {
		user = p.current.User
		notify = p.userChangedLocked(user)
	}
	p.mu.Unlock()

	if notify != nil {
		notify(user)
	}
}
