// Package stockbot implements a Discord bot that renders stock charts,
// produces trend predictions and chart-image analyses, and forwards
// mentions to a webhook, with every paid feature gated behind a per-user
// daily quota.
//
// Key components of the package include:
//
//   - StockBot: The main struct, which owns configuration, storage and the
//     Discord session, and dispatches inbound messages.
//   - RateLimiter: Per-user, per-UTC-day request counters with a permanent
//     exemption (VIP) list, backed by the relational store.
//   - Discord: Wraps the discordgo session and gateway handlers.
//   - ChartClient, HeuristicPredictor, GeminiAnalyst, WebhookForwarder:
//     the external collaborators invoked by the feature handlers.
//   - API: An HTTP API for external automation (send messages, DMs and
//     charts), plus health and metrics endpoints.
//
// Inbound messages are classified into at most one route (command, chart,
// prediction, image analysis or mention forward). Quota-gated routes share
// a single check, work, record-on-success protocol, so a failed deliverable
// never costs the user a request.
//
// Prefix commands (default prefix '!'):
//
//   - quota, ping, info, help: available to everyone
//   - vip_add, vip_remove, vip_list, reset_quota (and their exempt_/reset_limit
//     aliases): restricted to the configured admin user IDs
package stockbot
