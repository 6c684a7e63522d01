// Package mcp holds the wire types of the Model Context Protocol surface
// this server speaks: the initialization handshake, the tools capability,
// and the content blocks tool results are built from.
//
// The types are deliberately dependency-free. Tool input schemas are carried
// as raw JSON: the transport passes them through verbatim and never
// interprets them.
package mcp
