// Package scheduler drives module syncs for one tab.
//
// Cadence follows the tab's presence: the fast interval while the page is
// visible and the user is active, the idle interval otherwise, and a
// multiple of the idle interval (or nothing at all) while hidden. Each tick
// drains the sync queue and runs the registered handler for every pending
// resource, one cycle at a time.
package scheduler
