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

package credentials_test

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/credentials"
)

var secret = []byte("test-secret")

func sign(sub string, ttl time.Duration) string {
	claims := jwt.RegisteredClaims{Subject: sub}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	Expect(err).ToNot(HaveOccurred())

	return raw
}

// source hands out the queued tokens in order and counts fetches.
type source struct {
	tokens  []string
	fetches int
}

func (s *source) fetch(context.Context) (string, error) {
	if s.fetches >= len(s.tokens) {
		return "", errors.New("no more tokens")
	}

	t := s.tokens[s.fetches]
	s.fetches++

	return t, nil
}

var _ = Describe("Providers", func() {
	ctx := context.Background()

	It("should send anonymous requests without a token", func() {
		p := credentials.EmptyProvider{}

		token, err := p.GetToken(ctx, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(token).To(BeNil())
		Expect(token.AuthorizationHeader()).To(BeEmpty())

		var seen []credentials.User
		p.SetChangeListener(func(u credentials.User) { seen = append(seen, u) })
		Expect(seen).To(Equal([]credentials.User{credentials.Unauthenticated}))
	})

	It("should hand out a static token", func() {
		p := credentials.NewStaticProvider("abc", credentials.User{UID: "alice"})

		token, err := p.GetToken(ctx, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(token.AuthorizationHeader()).To(Equal("Bearer abc"))
		Expect(token.User.IsAuthenticated()).To(BeTrue())

		p.InvalidateToken()
		Expect(p.Invalidations()).To(Equal(1))
	})

	Describe("JWTProvider", func() {
		var (
			src *source
			p   *credentials.JWTProvider
		)

		newProvider := func(tokens ...string) {
			src = &source{tokens: tokens}
			p = credentials.NewJWTProvider(credentials.JWTOptions{
				Source:        src.fetch,
				Key:           secret,
				RefreshBefore: time.Minute,
				Logger:        zap.NewNop().Sugar(),
			})
		}

		It("should cache a token until it is invalidated", func() {
			newProvider(sign("alice", time.Hour), sign("alice", time.Hour))

			first, err := p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(first.User.UID).To(Equal("alice"))

			again, err := p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Value).To(Equal(first.Value))
			Expect(src.fetches).To(Equal(1))

			p.InvalidateToken()
			_, err = p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(src.fetches).To(Equal(2))
		})

		It("should refetch tokens close to expiry", func() {
			newProvider(sign("alice", 30*time.Second), sign("alice", time.Hour))

			_, err := p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			_, err = p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(src.fetches).To(Equal(2))
		})

		It("should report user changes once", func() {
			newProvider(sign("alice", time.Hour), sign("alice", time.Hour), sign("bob", time.Hour))

			var seen []string
			p.SetChangeListener(func(u credentials.User) { seen = append(seen, u.UID) })
			Expect(seen).To(BeEmpty())

			for i := 0; i < 3; i++ {
				_, err := p.GetToken(ctx, true)
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(seen).To(Equal([]string{"alice", "bob"}))
		})

		It("should reject tokens signed with another key", func() {
			forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "mallory"}).
				SignedString([]byte("other"))
			Expect(err).ToNot(HaveOccurred())

			newProvider(forged)
			_, err = p.GetToken(ctx, false)
			Expect(err).To(MatchError(ContainSubstring("failed to verify token")))
		})

		It("should require a subject", func() {
			newProvider(sign("", time.Hour))
			_, err := p.GetToken(ctx, false)
			Expect(err).To(MatchError(credentials.ErrNoSubject))
		})

		It("should decode tokens without a key", func() {
			src = &source{tokens: []string{sign("carol", 0)}}
			p = credentials.NewJWTProvider(credentials.JWTOptions{Source: src.fetch, Logger: zap.NewNop().Sugar()})

			token, err := p.GetToken(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(token.User.UID).To(Equal("carol"))
		})
	})
})
