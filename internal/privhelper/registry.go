// Copyright 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License.  You may obtain a copy
// of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the
// License for the specific language governing permissions and limitations
// under the License.

package privhelper

import (
	"strings"
	"sync"

	"github.com/facebookexperimental/edenfs-privhelper/internal/mount"
)

// Registry is the in-memory set of mountpoints the broker believes it is
// responsible for (spec.md section 3, "Mountpoint identity"). It is the
// broker's sole source of truth for authorizing unmount and bind
// operations: a path not covered by an entry here can never be targeted.
//
// The broker is single-threaded by design (spec.md section 5), so the
// mutex here exists only for tests that inspect the registry from their
// own goroutine while Run is serving requests on another; the dispatcher
// itself never contends on it. The zero value is not usable: create one
// with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]mount.Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]mount.Kind)}
}

// Insert records path as mounted, owned by the given kind. Called after a
// successful mount, including takeover-startup adoption.
func (r *Registry) Insert(path string, kind mount.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = kind
}

// Remove drops path from the registry. Called after a successful unmount,
// including takeover-shutdown relinquishment.
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, path)
}

// Contains reports whether path is exactly a registered mountpoint.
func (r *Registry) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[path]
	return ok
}

// Kind reports the mount kind path was registered under, if any.
func (r *Registry) Kind(path string) (mount.Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.entries[path]
	return k, ok
}

// FindPrefix returns the registered mountpoint that owns path, i.e. the
// one registered mountpoint m for which path begins with m+"/". path
// being exactly equal to m does not count -- a bind-mount/unmount request
// must target something strictly under a registered mountpoint, never the
// mountpoint itself. This is the mandatory check spec.md section 4.3
// calls the broker's "sole defense against being weaponized to mount or
// unmount arbitrary filesystem locations": every bind-mount and
// bind-unmount request must resolve to an owning mountpoint here before
// any syscall is issued.
func (r *Registry) FindPrefix(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best string
	found := false
	for m := range r.entries {
		if strings.HasPrefix(path, m+"/") {
			if !found || len(m) > len(best) {
				best = m
				found = true
			}
		}
	}
	return best, found
}

// Paths returns a snapshot of every registered mountpoint, in unspecified
// order, for use by peer-EOF cleanup (spec.md section 4.6).
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	return out
}

// Len reports how many mountpoints are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
