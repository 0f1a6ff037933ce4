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

// Package session tracks client sessions and guarantees that at most one
// operation holds a given session at a time.
//
// Each session has:
//   - A client-supplied or generated identifier
//   - A single-writer slot, free or held by one operation
//   - The last stream sequence number delivered for it
//   - Creation and last-activity timestamps
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionDeleted is the cancellation cause handed to a holder whose
// session was force-deleted.
var ErrSessionDeleted = errors.New("session deleted")

// NotFoundError reports a missing session id. It matches ErrSessionNotFound.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// RPCError implements protocol.Coder.
func (e *NotFoundError) RPCError() *protocol.Error {
	return protocol.NewSessionNotFound(e.SessionID)
}

// InUseError is returned when a session is held by another operation, or is
// still being torn down after a forced delete.
type InUseError struct {
	SessionID string
	HeldSince time.Time
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("session %q in use since %s", e.SessionID, e.HeldSince.Format(time.RFC3339))
}

// RPCError implements protocol.Coder.
func (e *InUseError) RPCError() *protocol.Error {
	return protocol.NewSessionInUse(e.SessionID, e.HeldSince)
}

// LimitError is returned when creating a session would exceed the limit.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("session limit of %d reached", e.Limit)
}

// RPCError implements protocol.Coder.
func (e *LimitError) RPCError() *protocol.Error {
	return protocol.NewResourceExhausted("sessions", e.Limit)
}

// Holder identifies the operation holding a session.
type Holder struct {
	ConnID      string
	OperationID string
	StartedAt   time.Time

	// Cancel is invoked when the session is force-deleted while held.
	Cancel context.CancelCauseFunc
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Held         bool
	HeldSince    time.Time
	HeldBy       string
	LastSequence uint64
}

// NewID generates a session id.
func NewID() string {
	return uuid.NewString()
}
