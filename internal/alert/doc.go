// Package alert implements edge-triggered alert tracking for the risk
// pipeline and webhook delivery of escalation alerts to Teams, Slack,
// PagerDuty, or generic HTTP targets.
package alert
