// Package types defines the Go types shared by the risk pipeline, the
// WebSocket hub and the REST API. These are the canonical in-memory
// representations of an observation and the state derived from it; the JSON
// tags are the wire format rendering clients consume.
package types
