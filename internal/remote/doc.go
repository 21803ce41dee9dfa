// Package remote is the line-delimited JSON transport between the planner and
// the services it calls. Each call opens one TCP connection, writes one
// request line, and reads one response line:
//
//	{"operation":"vision/identify_piece","request":{...}}
//	{"ok":true,"payload":{...}}
//	{"ok":false,"error":"camera offline"}
//
// Client implements gateway.Endpoint. Server hosts named handlers and is used
// by visionctl and by tests.
package remote
