package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/park285/cheese-netplay/internal/game"
)

// Version information exchanged in the GameStart handshake.
const (
	ProtocolVersion    = 1
	MinProtocolVersion = 1
)

// Kind is the wire tag of a message.
type Kind string

const (
	KindMove             Kind = "move"
	KindReady            Kind = "ready"
	KindResign           Kind = "resign"
	KindGameStart        Kind = "game_start"
	KindChat             Kind = "chat"
	KindUndoRequest      Kind = "undo_request"
	KindUndoResponse     Kind = "undo_response"
	KindRestartRequest   Kind = "restart_request"
	KindRestartResponse  Kind = "restart_response"
	KindRestartConfirmed Kind = "restart_confirmed"
	KindLeaveGame        Kind = "leave_game"
	KindSyncCheck        Kind = "sync_check"
	KindFullStateSync    Kind = "full_state_sync"
	KindPing             Kind = "ping"
)

// Message is one protocol message. Values are treated as immutable once built.
type Message interface {
	Kind() Kind
}

type Move struct {
	From game.Square `json:"from"`
	To   game.Square `json:"to"`
}

// Ready is sent by the joiner to open the handshake.
type Ready struct {
	Version int    `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Resign struct{}

// GameStart is the host's handshake reply.
type GameStart struct {
	Version    int       `json:"version"`
	MinVersion int       `json:"min_version"`
	MatchID    string    `json:"match_id"`
	HostSide   game.Side `json:"host_side"`
	Mode       string    `json:"mode,omitempty"`
	Name       string    `json:"name,omitempty"`
}

type Chat struct {
	Text string `json:"text"`
}

// UndoRequest carries the requester's move count so a request that crossed a move on the
// wire can be recognised as stale.
type UndoRequest struct {
	AtMove int `json:"at_move"`
}

type UndoResponse struct {
	Accepted bool `json:"accepted"`
}

type RestartRequest struct {
	AtMove int `json:"at_move"`
}

type RestartResponse struct {
	Accepted bool `json:"accepted"`
}

type RestartConfirmed struct{}

type LeaveGame struct {
	Reason string `json:"reason,omitempty"`
}

// SyncCheck numbers each check with Seq and echoes in Seen the highest Seq received from
// the peer, so two checks that crossed on the wire can be told apart from a reply.
type SyncCheck struct {
	Fingerprint string        `json:"fingerprint"`
	Snapshot    game.Snapshot `json:"snapshot"`
	Seq         int           `json:"seq,omitempty"`
	Seen        int           `json:"seen,omitempty"`
}

type FullStateSync struct {
	Snapshot game.Snapshot `json:"snapshot"`
}

type Ping struct{}

func (Move) Kind() Kind             { return KindMove }
func (Ready) Kind() Kind            { return KindReady }
func (Resign) Kind() Kind           { return KindResign }
func (GameStart) Kind() Kind        { return KindGameStart }
func (Chat) Kind() Kind             { return KindChat }
func (UndoRequest) Kind() Kind      { return KindUndoRequest }
func (UndoResponse) Kind() Kind     { return KindUndoResponse }
func (RestartRequest) Kind() Kind   { return KindRestartRequest }
func (RestartResponse) Kind() Kind  { return KindRestartResponse }
func (RestartConfirmed) Kind() Kind { return KindRestartConfirmed }
func (LeaveGame) Kind() Kind        { return KindLeaveGame }
func (SyncCheck) Kind() Kind        { return KindSyncCheck }
func (FullStateSync) Kind() Kind    { return KindFullStateSync }
func (Ping) Kind() Kind             { return KindPing }

// envelope is the self-describing record carried in every frame body.
type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalBody(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

var decoders = map[Kind]func(json.RawMessage) (Message, error){
	KindMove:             decodeAs[Move],
	KindReady:            decodeAs[Ready],
	KindResign:           decodeAs[Resign],
	KindGameStart:        decodeAs[GameStart],
	KindChat:             decodeAs[Chat],
	KindUndoRequest:      decodeAs[UndoRequest],
	KindUndoResponse:     decodeAs[UndoResponse],
	KindRestartRequest:   decodeAs[RestartRequest],
	KindRestartResponse:  decodeAs[RestartResponse],
	KindRestartConfirmed: decodeAs[RestartConfirmed],
	KindLeaveGame:        decodeAs[LeaveGame],
	KindSyncCheck:        decodeAs[SyncCheck],
	KindFullStateSync:    decodeAs[FullStateSync],
	KindPing:             decodeAs[Ping],
}

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func unmarshalBody(body []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	m, err := decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return m, nil
}
