// Package mcp contains the wire-level types of the Model Context Protocol
// as used by this server: method name constants, the initialize handshake,
// and the tools, resources and prompts surfaces.
//
// The types here mirror the protocol's JSON shapes and carry no behavior.
// Server logic lives in the dispatch and streaminghttp packages.
package mcp
