// Package config handles HCL configuration parsing, validation, and reload.
//
// # Configuration Blocks
//
//   - zone: zone name, id and kind (builtin or user-defined)
//   - interface: interface to zone assignment
//   - engine: data path driver (memory or nftables)
//   - monitor: poll interval and refcount strictness
//   - state, control, metrics, logging: daemon settings
//   - rule: seed rules loaded into empty chains on first start
//
// JSON with the same field names is accepted as a fallback. The zone and
// interface blocks are the only part a running daemon re-reads; see [Watcher].
package config
