// Package permission handles human-in-the-loop prompts.
//
// Gate is the tab side: it holds at most one outstanding permission
// request and one outstanding question, and forwards the user's answer
// to the backend without blocking the caller.
//
// Checker is the backend side: a running turn blocks in Ask until the
// tab answers through Respond.
package permission
