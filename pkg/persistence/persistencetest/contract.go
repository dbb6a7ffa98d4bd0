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

// Package persistencetest holds the behaviour every persistence.Store
// backend has to show, as shared ginkgo specs.
package persistencetest

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
)

// DescribeStore registers the shared store tests. newStore is called before each
// test and must return an empty store; it is closed afterwards.
func DescribeStore(newStore func() persistence.Store) {
	Describe("persistence.Store contract", func() {
		var (
			ctx   context.Context
			store persistence.Store
		)

		put := func(key, value string) {
			Expect(persistence.WithTransaction(ctx, store, "seed", func(tx persistence.Tx) error {
				return tx.Put(ctx, "docs", key, []byte(value))
			})).To(Succeed())
		}

		scanKeys := func(tx persistence.Tx, r persistence.KeyRange) []string {
			var keys []string
			Expect(tx.Scan(ctx, "docs", r, func(key string, _ []byte) (bool, error) {
				keys = append(keys, key)

				return true, nil
			})).To(Succeed())

			return keys
		}

		BeforeEach(func() {
			ctx = context.Background()
			store = newStore()
			Expect(store.EnsureTable(ctx, "docs")).To(Succeed())
			Expect(store.EnsureTable(ctx, "docs")).To(Succeed())
		})

		AfterEach(func() {
			_ = store.Close(ctx)
		})

		It("should reject invalid table names", func() {
			Expect(store.EnsureTable(ctx, "docs; DROP TABLE docs")).To(HaveOccurred())
		})

		It("should return ErrNotFound for absent keys", func() {
			tx, err := store.BeginTx(ctx, "read")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()

			_, err = tx.Get(ctx, "docs", "missing")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})

		It("should read its own writes before commit", func() {
			tx, err := store.BeginTx(ctx, "write")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()

			Expect(tx.Put(ctx, "docs", "a", []byte("1"))).To(Succeed())
			Expect(tx.Get(ctx, "docs", "a")).To(Equal([]byte("1")))

			Expect(tx.Delete(ctx, "docs", "a")).To(Succeed())
			_, err = tx.Get(ctx, "docs", "a")
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		It("should discard writes on rollback", func() {
			put("a", "1")

			tx, err := store.BeginTx(ctx, "discard")
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.Put(ctx, "docs", "a", []byte("2"))).To(Succeed())
			Expect(tx.Put(ctx, "docs", "b", []byte("3"))).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())

			tx, err = store.BeginTx(ctx, "check")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()
			Expect(tx.Get(ctx, "docs", "a")).To(Equal([]byte("1")))
			_, err = tx.Get(ctx, "docs", "b")
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		It("should treat commit and rollback as idempotent", func() {
			tx, err := store.BeginTx(ctx, "twice")
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.Put(ctx, "docs", "a", []byte("1"))).To(Succeed())
			Expect(tx.Commit()).To(Succeed())
			Expect(tx.Commit()).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())

			_, err = tx.Get(ctx, "docs", "a")
			Expect(err).To(MatchError(persistence.ErrTxDone))
		})

		It("should scan ranges in key order including pending writes", func() {
			put("rooms/b", "x")
			put("rooms/a", "x")
			put("rooms/c", "x")
			put("roomz/a", "x")
			put("other", "x")

			tx, err := store.BeginTx(ctx, "scan")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()

			Expect(tx.Delete(ctx, "docs", "rooms/b")).To(Succeed())
			Expect(tx.Put(ctx, "docs", "rooms/aa", []byte("y"))).To(Succeed())

			Expect(scanKeys(tx, persistence.PrefixRange("rooms/"))).To(Equal([]string{"rooms/a", "rooms/aa", "rooms/c"}))
			Expect(scanKeys(tx, persistence.KeyRange{Start: "rooms/aa", End: "roomz/a"})).To(Equal([]string{"rooms/aa", "rooms/c"}))
			Expect(scanKeys(tx, persistence.All)).To(HaveLen(5))
		})

		It("should stop scanning when asked to", func() {
			put("a", "1")
			put("b", "2")
			put("c", "3")

			tx, err := store.BeginTx(ctx, "stop")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()

			var seen []string
			Expect(tx.Scan(ctx, "docs", persistence.All, func(key string, _ []byte) (bool, error) {
				seen = append(seen, key)

				return len(seen) < 2, nil
			})).To(Succeed())
			Expect(seen).To(Equal([]string{"a", "b"}))
		})

		It("should allow writes from inside a scan", func() {
			put("a", "1")
			put("b", "2")

			Expect(persistence.WithTransaction(ctx, store, "rewrite", func(tx persistence.Tx) error {
				return tx.Scan(ctx, "docs", persistence.All, func(key string, value []byte) (bool, error) {
					return true, tx.Put(ctx, "docs", key, append(value, '!'))
				})
			})).To(Succeed())

			tx, err := store.BeginTx(ctx, "check")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()
			Expect(tx.Get(ctx, "docs", "b")).To(Equal([]byte("2!")))
		})

		It("should store empty and binary values", func() {
			bin := []byte{0, 1, 2, 0xff}
			put("empty", "")
			Expect(persistence.WithTransaction(ctx, store, "bin", func(tx persistence.Tx) error {
				return tx.Put(ctx, "docs", "bin", bin)
			})).To(Succeed())

			tx, err := store.BeginTx(ctx, "check")
			Expect(err).ToNot(HaveOccurred())
			defer tx.Rollback()
			Expect(tx.Get(ctx, "docs", "empty")).To(BeEmpty())
			Expect(tx.Get(ctx, "docs", "bin")).To(Equal(bin))
		})

		It("should report table sizes", func() {
			sizer, ok := store.(persistence.Sizer)
			if !ok {
				Skip("backend does not report sizes")
			}

			before, err := sizer.TableSize(ctx, "docs")
			Expect(err).ToNot(HaveOccurred())

			put("key", "value")

			after, err := sizer.TableSize(ctx, "docs")
			Expect(err).ToNot(HaveOccurred())
			Expect(after).To(BeNumerically(">", before))
		})

		It("should refuse work after close", func() {
			Expect(store.Close(ctx)).To(Succeed())
			_, err := store.BeginTx(ctx, "late")
			Expect(err).To(MatchError(persistence.ErrClosed))
		})
	})
}
