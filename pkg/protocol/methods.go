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

package protocol

import "strings"

// DefaultNamespace prefixes every kaiak method and notification.
const DefaultNamespace = "kaiak"

// Method enumerates the client-to-server methods the server understands.
// The set is closed: anything else resolves to MethodUnknown.
type Method int

const (
	MethodUnknown Method = iota
	MethodGenerateFix
	MethodDeleteSession
	MethodUserMessage
	MethodCancel
	MethodCancelRequest
)

// Method names relative to the namespace.
const (
	nameGenerateFix   = "generate_fix"
	nameDeleteSession = "delete_session"
	nameUserMessage   = "client/user_message"
	nameCancel        = "cancel"

	// CancelRequestMethod is the LSP-style cancellation notification. It is
	// never namespaced.
	CancelRequestMethod = "$/cancelRequest"
)

// ParseMethod resolves a wire method name. Both the namespaced form
// ("kaiak/generate_fix") and the bare form ("generate_fix") are accepted.
func ParseMethod(namespace, name string) Method {
	if name == CancelRequestMethod {
		return MethodCancelRequest
	}

	local := name
	if namespace != "" {
		if rest, ok := strings.CutPrefix(name, namespace+"/"); ok {
			local = rest
		}
	}

	switch local {
	case nameGenerateFix:
		return MethodGenerateFix
	case nameDeleteSession:
		return MethodDeleteSession
	case nameUserMessage:
		return MethodUserMessage
	case nameCancel:
		return MethodCancel
	default:
		return MethodUnknown
	}
}

// Name returns the namespaced wire name.
func (m Method) Name(namespace string) string {
	var local string
	switch m {
	case MethodGenerateFix:
		local = nameGenerateFix
	case MethodDeleteSession:
		local = nameDeleteSession
	case MethodUserMessage:
		local = nameUserMessage
	case MethodCancel:
		local = nameCancel
	case MethodCancelRequest:
		return CancelRequestMethod
	default:
		return ""
	}
	if namespace == "" {
		return local
	}
	return namespace + "/" + local
}

func (m Method) String() string {
	if name := m.Name(""); name != "" {
		return name
	}
	return "unknown"
}

// Methods lists every known method, in declaration order.
func Methods() []Method {
	return []Method{
		MethodGenerateFix,
		MethodDeleteSession,
		MethodUserMessage,
		MethodCancel,
		MethodCancelRequest,
	}
}

// NotificationMethod returns the wire method for a stream event kind.
func NotificationMethod(namespace string, kind EventKind) string {
	if namespace == "" {
		return string(kind)
	}
	return namespace + "/" + string(kind)
}
