// Package lockfile provides a pid-based sidecar lock for files shared
// between processes.
//
// The lock for a path P is the file P + ".lock", created with O_EXCL and
// containing the holder's pid as plain text. Exclusive creation is the
// atomicity mechanism: exactly one process wins the race, everyone else
// sees the sidecar and waits.
//
// A crashed holder leaves its sidecar behind. Acquire probes the recorded
// pid and reclaims the lock when that process no longer exists, so a crash
// never wedges the data it guarded. A sidecar whose content does not parse
// as a pid is treated the same way: it cannot name a live holder, and
// reclaiming it re-races the exclusive creation, so two waiters cannot both
// win. The alternative of refusing to touch an unreadable sidecar would
// trade a narrow write race for an outage that needs manual cleanup.
//
// Waiting is a poll, not a notification. Lock hold times here are file-write
// scale, so contention resolves within one or two poll intervals in
// practice.
package lockfile
