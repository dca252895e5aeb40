// Package manager owns the daemon's model: it loads it in the background,
// tracks load progress and lifecycle state, and admits chat requests through
// a bounded queue with a single in-flight generation.
//
//   - manager.go: Manager type, constructor, lifecycle (Start, Wait, Close).
//   - config.go: ManagerConfig and package defaults.
//   - types.go: State and Snapshot.
//   - errors.go: error types and helpers (IsTooBusy, IsNotReady).
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - queue_admission.go: queueing and generation admission.
//   - chat.go: chat entry point streaming NDJSON.
//   - status_report.go: Status/Snapshot reporting helpers.
package manager
