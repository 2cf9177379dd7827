// Package dxlog is a log-structured backup store for chunks owned by a
// distributed in-memory key-value store. Every mutation is appended,
// never rewritten in place: each batch goes either to the shared primary
// log and the range's secondary log together or, when it is large or the
// secondary buffer would fill, straight to the range's secondary log; a
// background reorganizer compacts the per-range secondary logs, where
// stale versions are eventually reclaimed.
//
// A typical caller opens one Engine per node, registers one backup
// range per key range it backs up with InitBackupRange, and then calls
// LogChunks/RemoveChunks as updates and deletes arrive. RecoverBackupRange
// replays a range's secondary log into a fresh in-memory copy after a
// node restart or a peer failure.
package dxlog
