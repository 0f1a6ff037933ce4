// Copyright 2025 Kadir Pekel
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

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportType identifies how clients reach the server.
type TransportType string

const (
	TransportStdio  TransportType = "stdio"
	TransportSocket TransportType = "socket"
)

// DisconnectPolicy decides what happens to running operations when their
// client connection goes away.
type DisconnectPolicy string

const (
	// DisconnectCancel cancels the connection's operations and releases
	// their sessions.
	DisconnectCancel DisconnectPolicy = "cancel"

	// DisconnectDetach lets operations run to completion; their events are
	// discarded and the session is released when they finish.
	DisconnectDetach DisconnectPolicy = "detach"
)

const (
	DefaultNamespace               = "kaiak"
	DefaultMaxMessageBytes         = 16 << 20
	DefaultMaxConcurrentOperations = 64
	DefaultOperationTimeout        = 30 * time.Minute
	DefaultCancelGrace             = 5 * time.Second
)

// ServerConfig configures the transport and the operation limits.
//
// Example:
//
//	server:
//	  transport: socket
//	  socket_path: /tmp/kaiak.sock
//	  operation_timeout: 10m
type ServerConfig struct {
	// Transport is stdio or socket.
	// Default: stdio
	Transport TransportType `yaml:"transport,omitempty" json:"transport,omitempty"`

	// SocketPath is the unix socket to listen on when Transport is socket.
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`

	// Namespace prefixes methods and notifications.
	// Default: kaiak
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// MaxMessageBytes bounds one frame body.
	// Default: 16MiB
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty" json:"max_message_bytes,omitempty"`

	// MaxConcurrentOperations bounds running generate_fix operations across
	// all connections.
	// Default: 64
	MaxConcurrentOperations int `yaml:"max_concurrent_operations,omitempty" json:"max_concurrent_operations,omitempty"`

	// OperationTimeout bounds one operation.
	// Default: 30m
	OperationTimeout time.Duration `yaml:"operation_timeout,omitempty" json:"operation_timeout,omitempty"`

	// CancelGrace is how long a cancelled agent gets to stop before the
	// operation is force-closed.
	// Default: 5s
	CancelGrace time.Duration `yaml:"cancel_grace,omitempty" json:"cancel_grace,omitempty"`

	// DisconnectPolicy is cancel or detach.
	// Default: cancel
	DisconnectPolicy DisconnectPolicy `yaml:"disconnect_policy,omitempty" json:"disconnect_policy,omitempty"`

	// MetricsAddress serves /metrics and /healthz when set, e.g. ":9090".
	MetricsAddress string `yaml:"metrics_address,omitempty" json:"metrics_address,omitempty"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxConcurrentOperations == 0 {
		c.MaxConcurrentOperations = DefaultMaxConcurrentOperations
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.DisconnectPolicy == "" {
		c.DisconnectPolicy = DisconnectCancel
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
	case TransportSocket:
		if c.SocketPath == "" {
			return fmt.Errorf("socket_path is required for the socket transport")
		}
		if !filepath.IsAbs(c.SocketPath) && !strings.HasPrefix(c.SocketPath, ".") {
			return fmt.Errorf("socket_path %q must be absolute or explicitly relative", c.SocketPath)
		}
	default:
		return fmt.Errorf("invalid transport %q (valid: stdio, socket)", c.Transport)
	}

	if strings.ContainsAny(c.Namespace, "/ ") {
		return fmt.Errorf("namespace %q must not contain '/' or spaces", c.Namespace)
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024")
	}
	if c.MaxConcurrentOperations < 1 {
		return fmt.Errorf("max_concurrent_operations must be positive")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel_grace must be positive")
	}

	switch c.DisconnectPolicy {
	case DisconnectCancel, DisconnectDetach:
	default:
		return fmt.Errorf("invalid disconnect_policy %q (valid: cancel, detach)", c.DisconnectPolicy)
	}
	return nil
}
