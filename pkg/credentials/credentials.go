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

// Package credentials supplies the bearer tokens attached to every request
// the remote store sends, and reports when the signed-in user changes.
package credentials

import (
	"context"
	"sync"
)

// User identifies whose pending writes and overlays are active. The zero
// value is the unauthenticated user.
type User struct {
	UID string
}

// Unauthenticated is the user of anonymous clients.
var Unauthenticated = User{}

func (u User) IsAuthenticated() bool { return u.UID != "" }

func (u User) String() string {
	if !u.IsAuthenticated() {
		return "anonymous"
	}

	return u.UID
}

// Token is an opaque bearer token together with the user it belongs to.
type Token struct {
	Value string
	User  User
}

// AuthorizationHeader returns the header value for t, or "" for a nil token.
func (t *Token) AuthorizationHeader() string {
	if t == nil || t.Value == "" {
		return ""
	}

	return "Bearer " + t.Value
}

// Provider hands out tokens. GetToken may block on the network and must not
// be called from the async queue goroutine.
type Provider interface {
	// GetToken returns the current token, or nil when requests go out
	// anonymously. forceRefresh bypasses any cached token.
	GetToken(ctx context.Context, forceRefresh bool) (*Token, error)
	// InvalidateToken drops the cached token so the next GetToken fetches a
	// new one. Called after the server rejected a request as unauthenticated.
	InvalidateToken()
	// SetChangeListener registers fn to be called with the user whenever it
	// changes. Providers with a fixed user call it once right away.
	SetChangeListener(fn func(User))
}

// EmptyProvider sends every request anonymously.
type EmptyProvider struct{}

var _ Provider = EmptyProvider{}

func (EmptyProvider) GetToken(context.Context, bool) (*Token, error) { return nil, nil }

func (EmptyProvider) InvalidateToken() {}

func (EmptyProvider) SetChangeListener(fn func(User)) {
	if fn != nil {
		fn(Unauthenticated)
	}
}

// StaticProvider returns the same token for one fixed user.
type StaticProvider struct {
	mu          sync.Mutex
	token       Token
	invalidated int
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(value string, user User) *StaticProvider {
	return &StaticProvider{token: Token{Value: value, User: user}}
}

func (p *StaticProvider) GetToken(context.Context, bool) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.token

	return &t, nil
}

func (p *StaticProvider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.invalidated++
}

// Invalidations returns how often InvalidateToken was called.
func (p *StaticProvider) Invalidations() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.invalidated
}

func (p *StaticProvider) SetChangeListener(fn func(User)) {
	if fn != nil {
		fn(p.token.User)
	}
}
