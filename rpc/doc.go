// Package rpc contains the network layer of pathkvs: the line protocol
// definition (common), the TCP server that maps protocol sessions onto core
// transactions (server), and the client used by the shell and perf tools
// (client).
//
// The network layer holds no database logic. It translates request lines
// into calls on lib/kv and relays the results; the only state it owns is the
// per-connection session mode.
package rpc
