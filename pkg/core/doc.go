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
// Package core coordinates the local store and the remote store into live
// query results.
//
// # Components
//
//   - View holds the current result set of one query and diffs document
//     changes into ordered ViewSnapshot changes.
//   - SyncEngine maps queries to targets, tracks limbo documents, applies
//     remote events and write results, and hands snapshots to its listener.
//   - EventManager fans snapshots out to QueryListeners. Several listeners
//     for the same query share one view and one target.
//   - QueryListener decides whether a snapshot is raised to its observer.
//     Observers run on a dispatcher goroutine, never on the async queue.
//
// # Threading
//
// Everything except observer callbacks must run on the async queue. None of
// the types in this package lock.
package core
