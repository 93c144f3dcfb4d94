// Package feed implements the live count transports behind session.Feed.
//
// Supported types (feed.type in the config file):
//   - sse: GET endpoint with Accept: text/event-stream; the data lines of
//     each event form one payload
//   - websocket: every text frame is one payload
//   - prometheus: polls a Prometheus text exposition every poll_interval and
//     yields the summed value of one gauge family
//
// All transports share NewHTTPClient, which applies the configured upstream
// auth (apikey, bearer, basic, mtls) and TLS settings. CheckCert reports the
// TLS certificate status of an https or wss endpoint.
package feed
