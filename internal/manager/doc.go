// Package manager is the Residency Manager: it tracks which model submodules
// occupy accelerator memory versus host memory under the active Profile and
// promotes or evicts them on demand. It is structured into small files by
// concern:
//
//   - manager.go: core Manager type, constructor, read-only size queries.
//   - config.go: ManagerConfig and package defaults.
//   - profile.go: Profile (budget policy) and the built-in profiles.
//   - types.go: module records, Handle borrows, Snapshot.
//   - ensure.go: EnsureResident planning, loading and atomic commit.
//   - evict.go: eviction candidate ordering.
//   - release.go: handle release.
//   - ops.go: SetProfile.
//   - unload.go: draining Unload.
//   - status_report.go: Snapshot/Status reporting.
//   - events.go: lifecycle events and publishers.
//
// One Manager is constructed per accelerator and passed explicitly to every
// session that shares it. Accelerator-resident size never exceeds the active
// profile's effective budget.
package manager
