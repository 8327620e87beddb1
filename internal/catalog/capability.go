// Package catalog manages tool-server connections and the aggregated
// capability catalog presented to the model. Each configured server gets
// one Connection; the Registry merges every connection's discovered
// capabilities into versioned, read-only snapshots that stay consistent
// for the duration of a model turn even when a connection drops mid-turn.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a capability advertised by a tool server.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Capability is one named unit (tool, resource, or prompt) advertised by
// a tool server, qualified for the aggregate catalog. RawName is the
// name the owning server knows it by; Name is the catalog-wide
// qualified name the model sees.
type Capability struct {
	Name        string
	RawName     string
	Kind        Kind
	Server      string
	Description string
	InputSchema map[string]any
}

// ErrConnectionClosed is returned by Invoke when the owning connection
// has been closed. Callers treat this as a transient dispatch failure.
var ErrConnectionClosed = errors.New("connection closed")

// ErrUnknownCapability is returned when a name resolves to nothing in
// the catalog snapshot.
var ErrUnknownCapability = errors.New("unknown capability")

// ConnectError reports a handshake or discovery failure against one
// server. It is fatal to that connection only; the host continues with
// whatever other connections succeeded.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to MCP server %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// QualifiedName builds the catalog-wide name for a server's capability:
// "{server}_{name}", both components sanitized. Deterministic, so two
// servers advertising the same tool name never shadow one another.
func QualifiedName(server, name string) string {
	return fmt.Sprintf("%s_%s", sanitize(server), sanitize(name))
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
