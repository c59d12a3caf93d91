// Package wire frames the JSON messages exchanged between a client and
// the document room: decoding/validating inbound messages, encoding
// outbound ones, and compressing large initial snapshots.
package wire

import "github.com/mdcollab/core/internal/crdt"

// ClientMessage is the decoded shape of any client -> server frame.
// Only the fields relevant to Type are populated.
type ClientMessage struct {
	Type         string          `json:"type"`
	Operation    *OperationWire  `json:"operation,omitempty"`
	Cursor       *CursorWire     `json:"cursor,omitempty"`
	Presence     map[string]any  `json:"presence,omitempty"`
}

// OperationWire is the wire shape of a crdt.Operation.
type OperationWire struct {
	Type  string       `json:"type"`
	Node  *NodeWire    `json:"node,omitempty"`
	Id    *NodeIdWire  `json:"id,omitempty"`
}

// NodeWire is the wire shape of a crdt.CharNode.
type NodeWire struct {
	Id      NodeIdWire `json:"id"`
	Value   string     `json:"value"`
	Visible bool       `json:"visible"`
}

// NodeIdWire is the wire shape of a crdt.NodeId.
type NodeIdWire struct {
	Digits []int64 `json:"digits"`
	Site   string  `json:"site"`
}

// CursorWire carries a client's cursor/selection update.
type CursorWire struct {
	Position        int  `json:"position"`
	SelectionStart  *int `json:"selectionStart,omitempty"`
	SelectionEnd    *int `json:"selectionEnd,omitempty"`
}

// ServerMessage is any server -> client frame. Only the field matching
// Type is populated on encode.
type ServerMessage struct {
	Type           string          `json:"type"`
	DocumentId     string          `json:"documentId,omitempty"`
	Data           string          `json:"data,omitempty"`
	Compressed     bool            `json:"compressed,omitempty"`
	Text           string          `json:"text,omitempty"`
	Operation      *OperationWire  `json:"operation,omitempty"`
	UserId         *string         `json:"userId,omitempty"`
	Username       string          `json:"username,omitempty"`
	SiteId         string          `json:"siteId,omitempty"`
	Cursor         *ServerCursor   `json:"cursor,omitempty"`
	Presence       map[string]any  `json:"presence,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ServerCursor is a cursor update annotated with its originating site.
type ServerCursor struct {
	SiteId         string `json:"siteId"`
	UserId         *string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

func toOperationWire(op crdt.Operation) OperationWire {
	w := OperationWire{Type: string(op.Kind)}
	switch op.Kind {
	case crdt.OpInsert:
		w.Node = &NodeWire{
			Id:      NodeIdWire{Digits: op.Node.Id.Digits, Site: op.Node.Id.Site},
			Value:   op.Node.Value,
			Visible: op.Node.Visible,
		}
	case crdt.OpDelete:
		w.Id = &NodeIdWire{Digits: op.Id.Digits, Site: op.Id.Site}
	}
	return w
}

func fromOperationWire(w OperationWire) crdt.Operation {
	op := crdt.Operation{Kind: crdt.OpKind(w.Type)}
	if w.Node != nil {
		op.Node = crdt.CharNode{
			Id:      crdt.NodeId{Digits: w.Node.Id.Digits, Site: w.Node.Id.Site},
			Value:   w.Node.Value,
			Visible: w.Node.Visible,
		}
	}
	if w.Id != nil {
		op.Id = crdt.NodeId{Digits: w.Id.Digits, Site: w.Id.Site}
	}
	return op
}
