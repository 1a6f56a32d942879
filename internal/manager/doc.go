// Package manager keeps served model versions in sync with the configuration
// and the model repositories. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, lookups and subscriptions.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: version states, VersionStatus and VersionConfig.
//   - errors.go: error types and helpers (IsModelNotFound, IsModelUnavailable).
//   - diff.go: DiffVersions, the start/reload/retire computation.
//   - policy.go: version policies (all, latest N, specific).
//   - model.go: Model, the versions of one name, default version and subscribers.
//   - instance.go, handle.go: one loaded version and its refcounted session.
//   - reconcile.go: Reconcile, LoadConfig and ApplyConfig.
//   - watcher.go: config watcher and Shutdown.
//   - resources.go: deferred release of shared resources.
//   - status.go: API status reporting.
//
// Build tags and runtimes:
//
//   - In-process llama: uses the go-llama.cpp backend. Enabled with `-tags=llama`.
//     Files: backend_llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub exists when the tag is not set: backend_llama_stub.go.
//
//   - IdentityBackend is always available and needs no native runtime.
package manager
