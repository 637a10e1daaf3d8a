// Package ctlplane exposes the policy service over net/rpc on a unix socket.
//
// # Architecture
//
// The daemon owns the zone registry, the chain store and the propagation
// monitor. Admin tools connect as clients:
//
//	ruleplane add ... → Client → Unix Socket → Server → policy.Service
//
// # Key Types
//
//   - [Server]: RPC server, one method per admin operation
//   - [Client]: RPC client used by the CLI
//   - [ControlPlaneClient]: Interface for mocking in tests
//
// # Adding New RPC Methods
//
//  1. Define request/reply types in types.go
//  2. Add method to Server in server.go
//  3. Add client method in client.go
//  4. Add interface method in client_interface.go
//  5. Add mock implementation in client_mock.go
//
// Errors cross the socket as strings; callers match on the message, not on
// the type.
package ctlplane
