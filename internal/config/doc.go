// Package config loads and watches the crowdwatch configuration file.
//
// Top-level types:
//   - Config{LogLevel, Risk, Feed, Control, Server, Alerts}: full tree parsed from YAML
//   - RiskConfig: threshold and history_size
//   - FeedConfig: type (sse|websocket|prometheus), endpoint, metric,
//     poll_interval, retry policy, auth, tls
//   - ControlConfig: detector backend endpoint and start/stop/analyze paths
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none); Key(), Token() and
//     Password() resolve secrets from environment variables
//   - ServerConfig: http port, broadcast interval, API auth, upload rate limit
//   - AlertsConfig: webhook targets
//
// Load(path) reads the YAML file, applies defaults (threshold 50, history 60,
// fixed 2s retry, port 8080), then validates required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify on the file's directory and calls
// onChange with the newly parsed Config once a burst of writes settles.
package config
