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

package local

import (
	"fmt"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
	"github.com/united-manufacturing-hub/docsync/pkg/query"
)

// targetCache persists TargetData and the documents each target matches on
// the server. Target ids allocated here are even; the sync engine uses odd
// ids for limbo resolution.
type targetCache struct{}

func (c *targetCache) globals(t *txn) (targetGlobals, error) {
	var g targetGlobals
	_, err := t.getJSON(tableGlobals, globalsKey, &g)

	return g, err
}

func (c *targetCache) saveGlobals(t *txn, g targetGlobals) error {
	return t.putJSON(tableGlobals, globalsKey, g)
}

// allocateTargetID reserves the next even id.
func (c *targetCache) allocateTargetID(t *txn) (int, error) {
	g, err := c.globals(t)
	if err != nil {
		return 0, err
	}

	next := g.HighestTargetID + 2
	if next <= 0 {
		next = 2
	}

	g.HighestTargetID = next

	return next, c.saveGlobals(t, g)
}

func (c *targetCache) highestSequenceNumber(t *txn) (int64, error) {
	g, err := c.globals(t)

	return g.HighestListenSequenceNumber, err
}

func (c *targetCache) lastRemoteSnapshotVersion(t *txn) (model.SnapshotVersion, error) {
	g, err := c.globals(t)

	return g.LastRemoteSnapshotVersion, err
}

func (c *targetCache) targetCount(t *txn) (int, error) {
	g, err := c.globals(t)

	return g.TargetCount, err
}

// setTargetsMetadata raises the highest sequence number and optionally sets
// the last remote snapshot version.
func (c *targetCache) setTargetsMetadata(t *txn, seq int64, version *model.SnapshotVersion) error {
	g, err := c.globals(t)
	if err != nil {
		return err
	}

	if seq > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = seq
	}

	if version != nil {
		g.LastRemoteSnapshotVersion = *version
	}

	return c.saveGlobals(t, g)
}

func (c *targetCache) writeTarget(t *txn, data *query.TargetData) error {
	if err := t.putJSON(tableTargets, targetKey(data.TargetID), data); err != nil {
		return err
	}

	return t.putRaw(tableTargetCanonical, targetCanonicalKey(data.Target.CanonicalID(), data.TargetID), presence)
}

func (c *targetCache) addTargetData(t *txn, data *query.TargetData) error {
	if err := c.writeTarget(t, data); err != nil {
		return err
	}

	g, err := c.globals(t)
	if err != nil {
		return err
	}

	g.TargetCount++

	if data.TargetID > g.HighestTargetID {
		g.HighestTargetID = data.TargetID
	}

	if data.SequenceNumber > g.HighestListenSequenceNumber {
		g.HighestListenSequenceNumber = data.SequenceNumber
	}

	return c.saveGlobals(t, g)
}

func (c *targetCache) updateTargetData(t *txn, data *query.TargetData) error {
	if err := c.writeTarget(t, data); err != nil {
		return err
	}

	return c.setTargetsMetadata(t, data.SequenceNumber, nil)
}

// removeTargetData drops a target with all its matching keys.
func (c *targetCache) removeTargetData(t *txn, data *query.TargetData) error {
	if _, err := c.removeMatchingKeysForTargetID(t, data.TargetID); err != nil {
		return err
	}

	if err := t.del(tableTargets, targetKey(data.TargetID)); err != nil {
		return err
	}

	if err := t.del(tableTargetCanonical, targetCanonicalKey(data.Target.CanonicalID(), data.TargetID)); err != nil {
		return err
	}

	g, err := c.globals(t)
	if err != nil {
		return err
	}

	if g.TargetCount > 0 {
		g.TargetCount--
	}

	return c.saveGlobals(t, g)
}

func (c *targetCache) getTargetDataByID(t *txn, targetID int) (*query.TargetData, error) {
	var data query.TargetData

	ok, err := t.getJSON(tableTargets, targetKey(targetID), &data)
	if err != nil || !ok {
		return nil, err
	}

	return &data, nil
}

// getTargetData looks a target up through its canonical id. Distinct targets
// can share a canonical id, so candidates are compared in full.
func (c *targetCache) getTargetData(t *txn, target *query.Target) (*query.TargetData, error) {
	canonical := target.CanonicalID()

	ids, err := t.scanKeys(tableTargetCanonical, persistence.PrefixRange(canonical+sep))
	if err != nil {
		return nil, err
	}

	for _, k := range ids {
		id, err := parseLastInt(k)
		if err != nil {
			return nil, err
		}

		data, err := c.getTargetDataByID(t, id)
		if err != nil {
			return nil, err
		}

		if data == nil {
			return nil, fmt.Errorf("canonical index references missing target %d", id)
		}

		if data.Target.CanonicalID() == canonical {
			return data, nil
		}
	}

	return nil, nil
}

// forEachTarget visits targets in id order until fn returns false.
func (c *targetCache) forEachTarget(t *txn, fn func(*query.TargetData) bool) error {
	return t.scan(tableTargets, persistence.All, func(_ string, raw []byte) (bool, error) {
		var data query.TargetData
		if err := data.UnmarshalJSON(raw); err != nil {
			return false, err
		}

		return fn(&data), nil
	})
}

func (c *targetCache) addMatchingKeys(t *txn, keys model.DocumentKeySet, targetID int) error {
	for key := range keys {
		if err := t.putRaw(tableTargetDocuments, targetDocumentKey(targetID, key), presence); err != nil {
			return err
		}

		if err := t.putRaw(tableDocumentTargets, documentTargetKey(key, targetID), presence); err != nil {
			return err
		}
	}

	return nil
}

func (c *targetCache) removeMatchingKeys(t *txn, keys model.DocumentKeySet, targetID int) error {
	for key := range keys {
		if err := t.del(tableTargetDocuments, targetDocumentKey(targetID, key)); err != nil {
			return err
		}

		if err := t.del(tableDocumentTargets, documentTargetKey(key, targetID)); err != nil {
			return err
		}
	}

	return nil
}

// removeMatchingKeysForTargetID clears a target's matches and returns the
// keys that were removed.
func (c *targetCache) removeMatchingKeysForTargetID(t *txn, targetID int) (model.DocumentKeySet, error) {
	keys, err := c.getMatchingKeysForTargetID(t, targetID)
	if err != nil {
		return nil, err
	}

	return keys, c.removeMatchingKeys(t, keys, targetID)
}

func (c *targetCache) getMatchingKeysForTargetID(t *txn, targetID int) (model.DocumentKeySet, error) {
	rows, err := t.scanKeys(tableTargetDocuments, persistence.PrefixRange(targetDocumentPrefix(targetID)))
	if err != nil {
		return nil, err
	}

	keys := model.NewDocumentKeySet()

	for _, k := range rows {
		key, err := model.ParseDocumentKey(lastComponent(k))
		if err != nil {
			return nil, err
		}

		keys.Add(key)
	}

	return keys, nil
}

// containsKey reports whether any target matches key.
func (c *targetCache) containsKey(t *txn, key model.DocumentKey) (bool, error) {
	found := false

	err := t.scan(tableDocumentTargets, persistence.PrefixRange(documentTargetPrefix(key)), func(string, []byte) (bool, error) {
		found = true

		return false, nil
	})

	return found, err
}
