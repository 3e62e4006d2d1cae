// Package notifier shows short on-page notifications ("toasts").
//
// Toasts are queued and delivered by a small worker pool to a Sink (the host
// page, a log, or a JSON line stream). Delivery is rate limited and identical
// toasts inside the dedup window are collapsed, so a burst of refreshes does
// not flood the page.
//
// # History
//
// The service keeps a small in-memory history of delivered toasts for the
// diagnostics endpoint.
package notifier
