// Package control is the HTTP client for the detector backend's lifecycle
// and static-analysis endpoints.
//
// RequestStart, RequestStop and Analyze run through a gobreaker circuit
// breaker: transport errors and 5xx responses count as failures, and once the
// breaker opens calls fail fast with ErrUnavailable until the backend has had
// time to recover. 4xx responses are returned as ErrRejected and do not trip
// the breaker.
//
// With no endpoint configured the client is disabled: start and stop succeed
// locally and Analyze returns ErrDisabled.
package control
