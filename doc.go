// Package cproto implements the client side of cproto, a framed binary
// request/response protocol used to talk to a database engine over a
// single TCP connection.
//
// The package owns exactly one connection: dialing, login, sequence-
// number multiplexing up to a fixed pipeline depth, per-request
// deadline enforcement independent of the caller, and the wire framing
// itself. Higher-level concerns — query building, namespace/index
// management, result iteration, and connection pooling — live outside
// this package.
//
// Open dials and logs in, returning a Connection once Connected.
// Connection.Call blocks for a synchronous reply; Connection.CallAsync
// submits a request and invokes a Completion once, later, without
// blocking the caller.
package cproto
