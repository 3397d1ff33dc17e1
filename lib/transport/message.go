// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"strings"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/events"
)

// Client message types.
const (
	msgMethod  = "method"
	msgConnect = "connect"
	msgPing    = "ping"
	msgSub     = "sub"
	msgUnsub   = "unsub"
)

// request is any client frame. Fields are interpreted per Msg.
type request struct {
	ID      json.RawMessage            `json:"id"`
	Msg     string                     `json:"msg"`
	Method  string                     `json:"method"`
	Params  []json.RawMessage          `json:"params"`
	Named   map[string]json.RawMessage `json:"named"`
	Version string                     `json:"version"`
	Name    string                     `json:"name"`
	Filters []any                      `json:"filters"`
}

// subscriptionID renders the request id as the key of a subscription.
// String ids are used as is; anything else keeps its JSON text.
func (r *request) subscriptionID() string {
	var text string
	if err := json.Unmarshal(r.ID, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(r.ID))
}

// rawID returns the request id for echoing, null when absent.
func (r *request) rawID() json.RawMessage {
	if len(r.ID) == 0 {
		return json.RawMessage("null")
	}
	return r.ID
}

type resultMessage struct {
	ID     json.RawMessage `json:"id"`
	Msg    string          `json:"msg"`
	Result any             `json:"result"`
}

type errorMessage struct {
	ID    json.RawMessage `json:"id"`
	Msg   string          `json:"msg"`
	Error apierror.Wire   `json:"error"`
}

type connectedMessage struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

type pongMessage struct {
	Msg string          `json:"msg"`
	ID  json.RawMessage `json:"id"`
}

type readyMessage struct {
	Msg  string   `json:"msg"`
	Subs []string `json:"subs"`
}

type nosubMessage struct {
	Msg   string         `json:"msg"`
	ID    string         `json:"id"`
	Error *apierror.Wire `json:"error,omitempty"`
}

type eventMessage struct {
	Msg        string `json:"msg"`
	Collection string `json:"collection"`
	ID         any    `json:"id"`
	Fields     any    `json:"fields"`
}

// eventMsg maps an event kind to its notification type.
func eventMsg(event events.Event) string {
	switch event.Kind {
	case events.Added:
		return "added"
	case events.Removed:
		return "removed"
	}
	return "changed"
}
