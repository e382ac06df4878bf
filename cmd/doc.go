// Package cmd wires up the pathkvs command line interface: the server
// (serve), the interactive shell (shell) and the contention benchmark
// (perf). Flags can be overridden with PATHKVS_-prefixed environment
// variables; a .env file is honored.
package cmd
