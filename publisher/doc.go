// Package publisher implements the per-server debounced load writer: it
// drains a LoadQueue, collapses bursts of samples into at most one write per
// loadUpdateInterval, and skips writes entirely while the server is
// quarantined.
//
// Debounce vs. throttle-latest. This package implements true debounce:
// publication is deferred as long as new samples keep arriving inside the
// window, and only fires once the source has been quiet for a full window.
// Under a source that never goes quiet — a caller hammering assignLoad
// faster than loadUpdateInterval — debounce may never emit; that tradeoff is
// accepted rather than fixed. A throttle-latest variant (guaranteed emission
// at most once per window, even under saturation) would instead fire on a
// fixed ticker and read the latest queued value at each tick; it is not
// implemented here, since nothing requires it over debounce.
package publisher
