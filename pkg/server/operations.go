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

package server

import (
	"errors"
	"sync"

	"github.com/kadirpekel/kaiak/pkg/protocol"
	"github.com/kadirpekel/kaiak/pkg/stream"
)

// ErrOperationNotFound is returned when no running operation matches.
var ErrOperationNotFound = errors.New("operation not found")

type rpcKey struct {
	connID string
	id     string
}

// operations indexes running operations by request id, by session, and by
// the JSON-RPC id that started them.
type operations struct {
	mu        sync.RWMutex
	byRequest map[string]*stream.Operation
	bySession map[string]*stream.Operation
	byRPC     map[rpcKey]*stream.Operation
}

func newOperations() *operations {
	return &operations{
		byRequest: make(map[string]*stream.Operation),
		bySession: make(map[string]*stream.Operation),
		byRPC:     make(map[rpcKey]*stream.Operation),
	}
}

// add registers op. It fails if the connection already has an operation
// started by the same JSON-RPC id.
func (o *operations) add(op *stream.Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := rpcKey{op.ConnID, op.RPCID.String()}
	if _, dup := o.byRPC[key]; dup {
		return protocol.NewInvalidRequest("request id " + op.RPCID.String() + " is already in use")
	}
	o.byRequest[op.RequestID] = op
	o.bySession[op.SessionID] = op
	o.byRPC[key] = op
	return nil
}

// remove unregisters op. Index entries already taken over by a newer
// operation are left alone.
func (o *operations) remove(op *stream.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.byRequest[op.RequestID] == op {
		delete(o.byRequest, op.RequestID)
	}
	if o.bySession[op.SessionID] == op {
		delete(o.bySession, op.SessionID)
	}
	key := rpcKey{op.ConnID, op.RPCID.String()}
	if o.byRPC[key] == op {
		delete(o.byRPC, key)
	}
}

func (o *operations) byRequestID(id string) (*stream.Operation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.byRequest[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

func (o *operations) bySessionID(id string) (*stream.Operation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.bySession[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

func (o *operations) byRPCID(connID string, id protocol.ID) (*stream.Operation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.byRPC[rpcKey{connID, id.String()}]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

// byConn lists the operations started on a connection.
func (o *operations) byConn(connID string) []*stream.Operation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*stream.Operation
	for _, op := range o.byRequest {
		if op.ConnID == connID {
			out = append(out, op)
		}
	}
	return out
}

func (o *operations) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byRequest)
}
