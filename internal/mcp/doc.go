// Package mcp exposes mathmentor over the Model Context Protocol.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers three tools: solve_problem runs the solving pipeline,
// submit_feedback records a user's verdict on a solved problem and feeds it
// to the learning loop, and feedback_stats summarizes feedback per topic.
package mcp
