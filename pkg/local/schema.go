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
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/docsync/pkg/model"
)

// Logical tables of the local cache.
const (
	tableMutations         = "mutations"
	tableDocumentMutations = "document_mutations"
	tableMutationMeta      = "mutation_meta"
	tableRemoteDocuments   = "remote_documents"
	tableDocumentReadTimes = "document_read_times"
	tableTargets           = "targets"
	tableTargetCanonical   = "target_canonical"
	tableTargetDocuments   = "target_documents"
	tableDocumentTargets   = "document_targets"
	tableDocumentOverlays  = "document_overlays"
	tableGlobals           = "globals"
	tableDocumentSequence  = "document_sequence"
	tableIndexConfigs      = "index_configs"
)

var allTables = []string{
	tableMutations,
	tableDocumentMutations,
	tableMutationMeta,
	tableRemoteDocuments,
	tableDocumentReadTimes,
	tableTargets,
	tableTargetCanonical,
	tableTargetDocuments,
	tableDocumentTargets,
	tableDocumentOverlays,
	tableGlobals,
	tableDocumentSequence,
	tableIndexConfigs,
}

// sep joins key components. It sorts below every character of a path, so a
// prefix scan over "a" + sep never picks up "ab".
const sep = "\x01"

const globalsKey = "target_globals"

func padInt(n int) string { return fmt.Sprintf("%010d", n) }

func padInt64(n int64) string { return fmt.Sprintf("%020d", n) }

func join(parts ...string) string { return strings.Join(parts, sep) }

// userPrefix scopes per-user tables.
func userPrefix(uid string) string { return uid + sep }

func mutationKey(uid string, batchID int) string { return join(uid, padInt(batchID)) }

// document_mutations rows are keyed by document first, so a prefix scan
// over one key finds the pending batches of every user.
func documentMutationKey(uid string, key model.DocumentKey, batchID int) string {
	return join(key.String(), uid, padInt(batchID))
}

func documentMutationPrefix(uid string, key model.DocumentKey) string {
	return join(key.String(), uid) + sep
}

// splitDocumentMutationKey returns the document path, user and batch id of a
// document_mutations row.
func splitDocumentMutationKey(k string) (string, string, int, error) {
	parts := strings.Split(k, sep)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed document mutation key %q", k)
	}

	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed document mutation key %q: %w", k, err)
	}

	return parts[0], parts[1], id, nil
}

func overlayKey(uid string, key model.DocumentKey) string { return join(uid, key.String()) }

func targetKey(targetID int) string { return padInt(targetID) }

func targetCanonicalKey(canonicalID string, targetID int) string {
	return join(canonicalID, padInt(targetID))
}

func targetDocumentKey(targetID int, key model.DocumentKey) string {
	return join(padInt(targetID), key.String())
}

func targetDocumentPrefix(targetID int) string { return padInt(targetID) + sep }

func documentTargetKey(key model.DocumentKey, targetID int) string {
	return join(key.String(), padInt(targetID))
}

func documentTargetPrefix(key model.DocumentKey) string { return key.String() + sep }

func readTimeKey(key model.DocumentKey, readTime model.SnapshotVersion) string {
	return join(key.CollectionPath().CanonicalString(), padInt64(readTime.Micros()), key.String())
}

func readTimePrefix(collection model.ResourcePath) string {
	return collection.CanonicalString() + sep
}

// lastComponent returns the part of a joined key after the final separator.
func lastComponent(k string) string {
	if i := strings.LastIndex(k, sep); i >= 0 {
		return k[i+len(sep):]
	}

	return k
}

func parseLastInt(k string) (int, error) {
	n, err := strconv.Atoi(lastComponent(k))
	if err != nil {
		return 0, fmt.Errorf("malformed key %q: %w", k, err)
	}

	return n, nil
}

// presence is the value of index rows that carry no payload.
var presence = []byte{1}
