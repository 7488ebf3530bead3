// Package protocol defines the JSON messages exchanged between a
// collaborative editing client and the arbitration server.
//
// Every WebSocket frame carries one message: a JSON object with exactly
// one discriminator key naming the variant.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luhsra/rustpad/pkg/ot"
)

// ErrMalformedMessage is returned for frames that are not an object
// with exactly one known discriminator key.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Role is the access level of a connected user.
type Role string

// Roles, from least to most privileged.
const (
	RoleAnon  Role = "anon"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Visibility controls who may open a document.
type Visibility string

// Document visibility levels.
const (
	VisibilityPrivate  Visibility = "private"
	VisibilityInternal Visibility = "internal"
	VisibilityPublic   Visibility = "public"
)

func (v Visibility) rank() int {
	switch v {
	case VisibilityPrivate:
		return 0
	case VisibilityInternal:
		return 1
	default:
		return 2
	}
}

// MoreRestrictiveThan reports whether v grants access to fewer users
// than other.
func (v Visibility) MoreRestrictiveThan(other Visibility) bool {
	return v.rank() < other.rank()
}

// CanAccess reports whether a user with role r may open a document with
// visibility v.
func (r Role) CanAccess(v Visibility) bool {
	switch v {
	case VisibilityPrivate:
		return r == RoleAdmin
	case VisibilityInternal:
		return r != RoleAnon
	default:
		return true
	}
}

// UserInfo describes a connected user as announced by the server.
type UserInfo struct {
	Name string `json:"name"`
	Hue  uint16 `json:"hue"`
	Role Role   `json:"role"`
}

// ClientInfo is the user description a client declares about itself.
type ClientInfo struct {
	Name string `json:"name"`
	Hue  uint16 `json:"hue"`
}

// DocumentMeta is document-level metadata, last writer wins.
type DocumentMeta struct {
	Language   string     `json:"language"`
	Visibility Visibility `json:"visibility"`
}

// CursorData holds one user's caret and selection positions in
// codepoint offsets.
type CursorData struct {
	Cursors    []int    `json:"cursors"`
	Selections [][2]int `json:"selections"`
}

// UserOperation is one server-serialized operation together with the
// id of the client that issued it.
type UserOperation struct {
	ID        uint64        `json:"id"`
	Operation *ot.Operation `json:"operation"`
}

// EditMsg submits a local operation based on the given server revision.
type EditMsg struct {
	Revision  int           `json:"revision"`
	Operation *ot.Operation `json:"operation"`
}

// SetMetaMsg updates document metadata; nil fields are left unchanged.
type SetMetaMsg struct {
	Language   *string     `json:"language,omitempty"`
	Visibility *Visibility `json:"visibility,omitempty"`
}

// IdentityMsg is the first server message, assigning the client its id.
type IdentityMsg struct {
	ID   uint64    `json:"id"`
	Info *UserInfo `json:"info,omitempty"`
}

// HistoryMsg carries server-serialized operations; Start is the server
// revision of the first entry.
type HistoryMsg struct {
	Start      int             `json:"start"`
	Operations []UserOperation `json:"operations"`
}

// UserInfoMsg announces a user's info.
type UserInfoMsg struct {
	ID   uint64   `json:"id"`
	User UserInfo `json:"user"`
}

// UserDisconnectMsg announces a user leaving.
type UserDisconnectMsg struct {
	ID uint64 `json:"id"`
}

// UserCursorMsg announces a user's cursor state.
type UserCursorMsg struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

// ClientMsg is a message from client to server. Exactly one field is
// set. SetLanguage is the legacy form of SetMeta carrying only a
// language; both are accepted on decode.
type ClientMsg struct {
	Edit        *EditMsg    `json:"Edit,omitempty"`
	SetMeta     *SetMetaMsg `json:"SetMeta,omitempty"`
	SetLanguage *string     `json:"SetLanguage,omitempty"`
	ClientInfo  *ClientInfo `json:"ClientInfo,omitempty"`
	CursorData  *CursorData `json:"CursorData,omitempty"`
}

func (m *ClientMsg) variants() int {
	n := 0
	for _, set := range []bool{
		m.Edit != nil, m.SetMeta != nil, m.SetLanguage != nil,
		m.ClientInfo != nil, m.CursorData != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// ServerMsg is a message from server to client. Exactly one field is
// set. Language is the legacy form of Meta; both are accepted on
// decode.
type ServerMsg struct {
	Identity       *IdentityMsg       `json:"Identity,omitempty"`
	History        *HistoryMsg        `json:"History,omitempty"`
	Meta           *DocumentMeta      `json:"Meta,omitempty"`
	Language       *string            `json:"Language,omitempty"`
	UserInfo       *UserInfoMsg       `json:"UserInfo,omitempty"`
	UserDisconnect *UserDisconnectMsg `json:"UserDisconnect,omitempty"`
	UserCursor     *UserCursorMsg     `json:"UserCursor,omitempty"`
}

func (m *ServerMsg) variants() int {
	n := 0
	for _, set := range []bool{
		m.Identity != nil, m.History != nil, m.Meta != nil,
		m.Language != nil, m.UserInfo != nil, m.UserDisconnect != nil,
		m.UserCursor != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// DecodeClientMsg parses one client frame.
func DecodeClientMsg(data []byte) (*ClientMsg, error) {
	var m ClientMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.variants() != 1 {
		return nil, ErrMalformedMessage
	}
	return &m, nil
}

// DecodeServerMsg parses one server frame.
func DecodeServerMsg(data []byte) (*ServerMsg, error) {
	var m ServerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.variants() != 1 {
		return nil, ErrMalformedMessage
	}
	return &m, nil
}
