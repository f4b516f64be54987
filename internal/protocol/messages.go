// Package protocol defines the wire format of the sync fabric: a closed,
// discriminated set of messages, the frame that carries them, and the
// plaintext whitelist that decides which messages may travel unsealed.
// Every frame on the wire is UTF-8 JSON text.
package protocol

import "errors"

// MessageType discriminates the closed message union.
type MessageType string

// The complete set of message types. The union is sealed: adding a type
// requires touching DecodeMessage, IsPlaintext, and the stamp methods, so
// an unhandled variant cannot slip through the compiler unnoticed.
const (
	TypeHello         MessageType = "hello"
	TypeHelloAck      MessageType = "hello-ack"
	TypeIndexRequest  MessageType = "index-request"
	TypeIndexResponse MessageType = "index-response"
	TypeDeltaPush     MessageType = "delta-push"
	TypeDeltaAck      MessageType = "delta-ack"
	TypeFileRequest   MessageType = "file-request"
	TypeFileResponse  MessageType = "file-response"
	TypePairRequest   MessageType = "pair-request"
	TypePairConfirm   MessageType = "pair-confirm"
	TypeDeviceList    MessageType = "device-list"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeError         MessageType = "error"
)

// Relay error codes carried in Error messages.
const (
	CodeParseError       = "PARSE_ERROR"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeVaultFull        = "VAULT_FULL"
	CodeDeviceOffline    = "DEVICE_OFFLINE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
)

// ErrUnknownType is returned when an ingress payload carries a type
// outside the closed union.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message is the closed union of protocol messages. The unexported stamp
// method seals the set to this package's concrete types.
type Message interface {
	MessageType() MessageType
	stamp()
}

// ChangeKind enumerates the kinds of change entries on the wire.
type ChangeKind string

// Change kinds.
const (
	KindCreate ChangeKind = "create"
	KindModify ChangeKind = "modify"
	KindDelete ChangeKind = "delete"
	KindRename ChangeKind = "rename"
)

// Change is the wire form of a journal change entry. Hash, Size and Mtime
// are zero-valued for deletes. ChangeID is the originating device's
// journal id, strictly increasing per device.
type Change struct {
	ChangeID   int64      `json:"changeId"`
	Path       string     `json:"path"`
	OldPath    string     `json:"oldPath,omitempty"`
	Kind       ChangeKind `json:"kind"`
	Hash       string     `json:"hash,omitempty"`
	Size       int64      `json:"size,omitempty"`
	Mtime      int64      `json:"mtime,omitempty"`
	DetectedAt int64      `json:"detectedAt"`
	DeviceID   string     `json:"deviceId"`
}

// DeviceInfo describes one device in hello-ack and device-list messages.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"lastSeen,omitempty"`
}

// Hello opens every connection. DeviceToken is empty on first contact;
// afterwards it carries the token minted in the previous hello-ack.
// Hello is always plaintext so a keyless relay can route it.
type Hello struct {
	Type          MessageType `json:"type"`
	DeviceID      string      `json:"deviceId"`
	DeviceName    string      `json:"deviceName"`
	VaultID       string      `json:"vaultId"`
	DeviceToken   string      `json:"deviceToken,omitempty"`
	ClientVersion string      `json:"clientVersion,omitempty"`
}

// HelloAck acknowledges a successful handshake.
type HelloAck struct {
	Type             MessageType  `json:"type"`
	AssignedToken    string       `json:"assignedToken"`
	ConnectedDevices []DeviceInfo `json:"connectedDevices"`
	ServerVersion    string       `json:"serverVersion"`
}

// IndexRequest asks online peers for changes after SinceChangeID.
type IndexRequest struct {
	Type          MessageType `json:"type"`
	DeviceID      string      `json:"deviceId"`
	SinceChangeID int64       `json:"sinceChangeId"`
}

// IndexResponse answers an IndexRequest with a batch of changes.
type IndexResponse struct {
	Type           MessageType `json:"type"`
	DeviceID       string      `json:"deviceId"`
	Changes        []Change    `json:"changes"`
	LatestChangeID int64       `json:"latestChangeId"`
	HasMore        bool        `json:"hasMore"`
}

// DeltaPush broadcasts a single local change in realtime.
type DeltaPush struct {
	Type   MessageType `json:"type"`
	Change Change      `json:"change"`
}

// DeltaAck confirms a peer applied a change.
type DeltaAck struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"deviceId"`
	ChangeID int64       `json:"changeId"`
}

// FileRequest asks TargetDeviceID for the content of a path at a specific
// hash. RequestID correlates the eventual FileResponse.
type FileRequest struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"requestId"`
	DeviceID       string      `json:"deviceId"`
	TargetDeviceID string      `json:"targetDeviceId"`
	Path           string      `json:"path"`
	ContentHash    string      `json:"contentHash"`
}

// FileResponse carries file content back to the requester. Content is
// base64 of the file bytes. Found is false when the responder no longer
// holds the requested (path, hash).
type FileResponse struct {
	Type        MessageType `json:"type"`
	RequestID   string      `json:"requestId,omitempty"`
	DeviceID    string      `json:"deviceId"`
	Path        string      `json:"path"`
	ContentHash string      `json:"contentHash"`
	Content     string      `json:"content,omitempty"`
	Found       bool        `json:"found"`
}

// PairRequest is sent by a joining device asking an existing member to
// admit it. Plaintext: the joining device is not authenticated yet.
type PairRequest struct {
	Type            MessageType `json:"type"`
	DeviceID        string      `json:"deviceId"`
	DeviceName      string      `json:"deviceName"`
	VaultID         string      `json:"vaultId"`
	PairingCodeHash string      `json:"pairingCodeHash"`
}

// PairConfirm resolves a pending pairing.
type PairConfirm struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"deviceId"`
	Approved bool        `json:"approved"`
}

// DeviceList is broadcast by the relay whenever room membership changes.
type DeviceList struct {
	Type    MessageType  `json:"type"`
	Devices []DeviceInfo `json:"devices"`
}

// Ping is a liveness probe; the relay answers with Pong.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Error reports a protocol or auth failure. Code is one of the Code*
// constants.
type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (m *Hello) MessageType() MessageType         { return TypeHello }
func (m *HelloAck) MessageType() MessageType      { return TypeHelloAck }
func (m *IndexRequest) MessageType() MessageType  { return TypeIndexRequest }
func (m *IndexResponse) MessageType() MessageType { return TypeIndexResponse }
func (m *DeltaPush) MessageType() MessageType     { return TypeDeltaPush }
func (m *DeltaAck) MessageType() MessageType      { return TypeDeltaAck }
func (m *FileRequest) MessageType() MessageType   { return TypeFileRequest }
func (m *FileResponse) MessageType() MessageType  { return TypeFileResponse }
func (m *PairRequest) MessageType() MessageType   { return TypePairRequest }
func (m *PairConfirm) MessageType() MessageType   { return TypePairConfirm }
func (m *DeviceList) MessageType() MessageType    { return TypeDeviceList }
func (m *Ping) MessageType() MessageType          { return TypePing }
func (m *Pong) MessageType() MessageType          { return TypePong }
func (m *Error) MessageType() MessageType         { return TypeError }

func (m *Hello) stamp()         { m.Type = TypeHello }
func (m *HelloAck) stamp()      { m.Type = TypeHelloAck }
func (m *IndexRequest) stamp()  { m.Type = TypeIndexRequest }
func (m *IndexResponse) stamp() { m.Type = TypeIndexResponse }
func (m *DeltaPush) stamp()     { m.Type = TypeDeltaPush }
func (m *DeltaAck) stamp()      { m.Type = TypeDeltaAck }
func (m *FileRequest) stamp()   { m.Type = TypeFileRequest }
func (m *FileResponse) stamp()  { m.Type = TypeFileResponse }
func (m *PairRequest) stamp()   { m.Type = TypePairRequest }
func (m *PairConfirm) stamp()   { m.Type = TypePairConfirm }
func (m *DeviceList) stamp()    { m.Type = TypeDeviceList }
func (m *Ping) stamp()          { m.Type = TypePing }
func (m *Pong) stamp()          { m.Type = TypePong }
func (m *Error) stamp()         { m.Type = TypeError }

// IsPlaintext reports whether a message type is on the plaintext
// whitelist. Everything else must be sealed in an envelope when an E2E
// key is active on the sender.
func IsPlaintext(t MessageType) bool {
	switch t {
	case TypeHello, TypeHelloAck, TypePing, TypePong, TypeError,
		TypePairRequest, TypePairConfirm:
		return true
	case TypeIndexRequest, TypeIndexResponse, TypeDeltaPush, TypeDeltaAck,
		TypeFileRequest, TypeFileResponse, TypeDeviceList:
		return false
	}

	return false
}
