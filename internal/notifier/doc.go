// Package notifier delivers operator alerts.
//
// Alerts are small, high-signal messages: a job that exhausted its retries,
// a resource anomaly, a circuit that opened. Producers call SendAlert, which
// never blocks; delivery runs on a worker pool with a shared rate limit,
// per-message deduplication and a bounded retry.
//
// # Sinks
//
// Delivery goes through Sink implementations. Every alert reaches the log
// sink; the Telegram sink in internal/adapters/telegram is added when a bot
// token and chat are configured. A failing sink does not affect the others.
//
// # History
//
// The service keeps a short in-memory history of delivered alerts for the
// status commands.
package notifier
