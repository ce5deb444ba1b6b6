package vworker

import (
	"encoding/json"

	"github.com/ericselin/vworker/manifest"
)

type MessageType string

// Messages sent by pages.
const (
	// Activate the waiting release and reload every page.
	MsgSkipWaiting MessageType = "skipWaiting"
	// Activate the waiting release only if the sender is the only open page.
	MsgConditionalSkipWaiting MessageType = "conditionalSkipWaiting"
	// Start fetching a URL the page expects to need soon.
	MsgPrefetch MessageType = "vw-prefetch"
	// A page (re)connected.
	MsgHello MessageType = "vw-hello"
)

// Messages sent by the worker.
const (
	MsgWaiting             MessageType = "vw-waiting"
	MsgReload              MessageType = "vw-reload"
	MsgSkipFailed          MessageType = "vw-skipFailed"
	MsgUpdateWithResumable MessageType = "vw-updateWithResumable"
	MsgResume              MessageType = "vw-resume"
)

// Message is exchanged between the worker and the pages of the app.
type Message struct {
	Type     MessageType       `json:"type"`
	Version  int               `json:"version,omitempty"`
	Priority manifest.Priority `json:"priority,omitempty"`
	URL      string            `json:"url,omitempty"`
	// Resumable is page state handed back after a reload.
	Resumable json.RawMessage `json:"resumable,omitempty"`
	// Client is the page that sent the message.
	Client string `json:"-"`
}
