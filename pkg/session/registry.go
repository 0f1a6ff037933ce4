// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// slot is the immutable state of a session's single-writer lock. A nil slot
// pointer means free.
type slot struct {
	holder *Holder

	// doomed marks a held session that was force-deleted. It is removed when
	// the holder releases.
	doomed bool
}

// tombstone marks an entry that has been removed from the registry. Any
// goroutine that observes it must retry against a fresh entry.
var tombstone = &slot{}

type entry struct {
	id        string
	createdAt time.Time

	lastActivity atomic.Int64
	lastSeq      atomic.Uint64
	slot         atomic.Pointer[slot]
}

func (e *entry) touch(now time.Time) {
	e.lastActivity.Store(now.UnixNano())
}

func (e *entry) record() Record {
	return Record{
		ID:           e.id,
		CreatedAt:    e.createdAt,
		LastActivity: time.Unix(0, e.lastActivity.Load()),
		LastSequence: e.lastSeq.Load(),
	}
}

// Registry maps session ids to their single-writer slots. Contention is per
// key: no lock is ever held across sessions.
type Registry struct {
	entries sync.Map // string -> *entry
	count   atomic.Int64

	maxSessions  int
	store        Store
	storeTimeout time.Duration
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore mirrors session metadata to a persistent store.
func WithStore(s Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithMaxSessions bounds the number of tracked sessions. Zero means no limit.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore seeds the registry from its store. Restored sessions are free.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		e := &entry{id: rec.ID, createdAt: rec.CreatedAt}
		if rec.LastActivity.IsZero() {
			rec.LastActivity = rec.CreatedAt
		}
		e.touch(rec.LastActivity)
		e.lastSeq.Store(rec.LastSequence)
		if _, loaded := r.entries.LoadOrStore(rec.ID, e); !loaded {
			r.count.Add(1)
			restored++
		}
	}
	return restored, nil
}

// Acquire takes the session's slot for holder, creating the session if it
// does not exist. Denial is immediate: a held session yields *InUseError.
func (r *Registry) Acquire(id string, holder Holder) (*Lease, error) {
	if holder.StartedAt.IsZero() {
		holder.StartedAt = r.now()
	}
	held := &slot{holder: &holder}

	for {
		e, created, err := r.loadOrCreate(id)
		if err != nil {
			return nil, err
		}

		if e.slot.CompareAndSwap(nil, held) {
			e.touch(r.now())
			if created {
				r.persist(e)
			}
			return &Lease{r: r, e: e, holder: held.holder}, nil
		}

		cur := e.slot.Load()
		switch {
		case cur == nil:
			// Released between our CAS and Load.
			continue
		case cur == tombstone:
			r.entries.CompareAndDelete(id, e)
			continue
		default:
			return nil, &InUseError{SessionID: id, HeldSince: cur.holder.StartedAt}
		}
	}
}

func (r *Registry) loadOrCreate(id string) (*entry, bool, error) {
	if v, ok := r.entries.Load(id); ok {
		return v.(*entry), false, nil
	}
	if r.maxSessions > 0 && int(r.count.Load()) >= r.maxSessions {
		return nil, false, &LimitError{Limit: r.maxSessions}
	}

	now := r.now()
	fresh := &entry{id: id, createdAt: now}
	fresh.touch(now)
	v, loaded := r.entries.LoadOrStore(id, fresh)
	if !loaded {
		r.count.Add(1)
	}
	return v.(*entry), !loaded, nil
}

// Release frees the session regardless of who holds it. Releasing a free or
// unknown session is a no-op.
func (r *Registry) Release(id string) {
	v, ok := r.entries.Load(id)
	if !ok {
		return
	}
	r.release(v.(*entry), nil)
}

// release frees e if it is held by holder (any holder when nil).
func (r *Registry) release(e *entry, holder *Holder) {
	for {
		cur := e.slot.Load()
		if cur == nil || cur == tombstone {
			return
		}
		if holder != nil && cur.holder != holder {
			return
		}

		if cur.doomed {
			if e.slot.CompareAndSwap(cur, tombstone) {
				r.remove(e)
				return
			}
			continue
		}
		if e.slot.CompareAndSwap(cur, nil) {
			e.touch(r.now())
			r.persist(e)
			return
		}
	}
}

// Touch refreshes the session's last-activity time.
func (r *Registry) Touch(id string) error {
	e, err := r.visible(id)
	if err != nil {
		return err
	}
	e.touch(r.now())
	return nil
}

// Lookup returns a snapshot of the session.
func (r *Registry) Lookup(id string) (Info, error) {
	e, err := r.visible(id)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		ID:           e.id,
		CreatedAt:    e.createdAt,
		LastActivity: time.Unix(0, e.lastActivity.Load()),
		LastSequence: e.lastSeq.Load(),
	}
	if cur := e.slot.Load(); cur != nil && cur != tombstone {
		info.Held = true
		info.HeldSince = cur.holder.StartedAt
		info.HeldBy = cur.holder.OperationID
	}
	return info, nil
}

// visible returns the entry unless it is missing, removed or doomed.
func (r *Registry) visible(id string) (*entry, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, &NotFoundError{SessionID: id}
	}
	e := v.(*entry)
	if cur := e.slot.Load(); cur == tombstone || (cur != nil && cur.doomed) {
		return nil, &NotFoundError{SessionID: id}
	}
	return e, nil
}

// Delete removes a session. A held session is only deleted when force is
// set; its holder is cancelled and the entry disappears from lookups at
// once, but is physically removed when the holder releases.
func (r *Registry) Delete(id string, force bool) error {
	v, ok := r.entries.Load(id)
	if !ok {
		return &NotFoundError{SessionID: id}
	}
	e := v.(*entry)

	for {
		cur := e.slot.Load()
		switch {
		case cur == tombstone || (cur != nil && cur.doomed):
			return &NotFoundError{SessionID: id}

		case cur == nil:
			if e.slot.CompareAndSwap(nil, tombstone) {
				r.remove(e)
				return nil
			}

		case !force:
			return &InUseError{SessionID: id, HeldSince: cur.holder.StartedAt}

		default:
			doomed := &slot{holder: cur.holder, doomed: true}
			if e.slot.CompareAndSwap(cur, doomed) {
				if cur.holder.Cancel != nil {
					cur.holder.Cancel(ErrSessionDeleted)
				}
				return nil
			}
		}
	}
}

// ReapIdle removes free sessions idle for longer than maxIdle and returns
// how many were removed.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle).UnixNano()
	reaped := 0
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.lastActivity.Load() >= cutoff {
			return true
		}
		if e.slot.CompareAndSwap(nil, tombstone) {
			r.remove(e)
			reaped++
		}
		return true
	})
	return reaped
}

// Len returns the number of tracked sessions, including ones being torn down.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Close releases the store.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Registry) remove(e *entry) {
	if r.entries.CompareAndDelete(e.id, e) {
		r.count.Add(-1)
	}
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, e.id); err != nil {
		slog.Warn("Failed to delete persisted session", "session_id", e.id, "error", err)
	}
}

func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, e.record()); err != nil {
		slog.Warn("Failed to persist session", "session_id", e.id, "error", err)
	}
}

// Lease is the right to write to one session. It must be released exactly
// once; further calls are no-ops.
type Lease struct {
	r      *Registry
	e      *entry
	holder *Holder
	once   sync.Once
}

// SessionID returns the leased session's id.
func (l *Lease) SessionID() string {
	return l.e.id
}

// LastSequence returns the last sequence number delivered for the session
// before this lease was taken.
func (l *Lease) LastSequence() uint64 {
	return l.e.lastSeq.Load()
}

// HeldSince returns when the lease was acquired.
func (l *Lease) HeldSince() time.Time {
	return l.holder.StartedAt
}

// Release records the last delivered sequence number and frees the session.
func (l *Lease) Release(lastSequence uint64) {
	l.once.Do(func() {
		l.e.lastSeq.Store(lastSequence)
		l.r.release(l.e, l.holder)
	})
}
