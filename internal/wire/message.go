// Package wire implements the DHTP datagram format: a fixed identifier line
// followed by "field:value" lines, one message per datagram.
package wire

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Identifier is the first line of every DHTP message.
const Identifier = "CSE473 DHTPv0.1"

// NoTTL marks a message that carries no ttl field.
const NoTTL = -1

// MaxDatagramSize bounds a single encoded message.
const MaxDatagramSize = 64 * 1024

// Kind is the message type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindGet
	KindPut
	KindSuccess
	KindNoMatch
	KindFailure
	KindJoin
	KindLeave
	KindUpdate
	KindTransfer
)

var kindNames = [...]string{
	KindInvalid:  "",
	KindGet:      "get",
	KindPut:      "put",
	KindSuccess:  "success",
	KindNoMatch:  "no match",
	KindFailure:  "failure",
	KindJoin:     "join",
	KindLeave:    "leave",
	KindUpdate:   "update",
	KindTransfer: "transfer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsReply checks if k is one of the reply kinds a relay hands back to its client.
func (k Kind) IsReply() bool {
	return k == KindSuccess || k == KindNoMatch || k == KindFailure
}

// ParseKind maps a wire type name to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if k != int(KindInvalid) && name == s {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown type %q", s)
}

// Message is one DHTP request or reply. Optional fields are absent when they
// hold their zero value, except TTL (NoTTL) and Val (nil), where zero is a
// legal value.
type Message struct {
	Kind   Kind
	Key    string
	Val    *string
	Tag    string
	TTL    int
	Reason string

	// ClientAddr and RelayAddr are stamped by the first node that forwards a
	// client request so the owner can answer the relay, and the relay the client.
	ClientAddr netip.AddrPort
	RelayAddr  netip.AddrPort

	HashRange  *HashRange
	SuccInfo   *PeerRef
	PredInfo   *PeerRef
	SenderInfo *PeerRef
}

// New creates a message of the given kind with no ttl.
func New(kind Kind) *Message {
	return &Message{Kind: kind, TTL: NoTTL}
}

// SetVal sets the val field.
func (m *Message) SetVal(v string) {
	m.Val = &v
}

// Value returns the val field and whether it is present.
func (m *Message) Value() (string, bool) {
	if m.Val == nil {
		return "", false
	}
	return *m.Val, true
}

// Hop consumes one unit of ttl. It returns false when the message has run out
// of hops and must be discarded. Messages without a ttl always pass.
func (m *Message) Hop() bool {
	if m.TTL == NoTTL {
		return true
	}
	if m.TTL <= 0 {
		return false
	}
	m.TTL--
	return true
}

// Validate checks that the fields required by the message kind are present.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindGet, KindPut:
		if m.Key == "" {
			return fmt.Errorf("%s requires a key", m.Kind)
		}
	case KindTransfer:
		if m.Key == "" || m.Val == nil {
			return fmt.Errorf("transfer requires key and val")
		}
	case KindLeave:
		if m.SenderInfo == nil {
			return fmt.Errorf("leave requires senderInfo")
		}
	case KindUpdate:
		if m.PredInfo == nil && m.SuccInfo == nil && m.HashRange == nil {
			return fmt.Errorf("update carries nothing to update")
		}
	case KindSuccess, KindNoMatch, KindFailure, KindJoin:
	default:
		return fmt.Errorf("missing or unknown type")
	}
	return nil
}

// Encode renders the message in wire format.
func (m *Message) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(Identifier)
	b.WriteByte('\n')

	field := func(name, value string) {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	field("type", m.Kind.String())
	if m.Key != "" {
		field("key", m.Key)
	}
	if m.Val != nil {
		field("val", *m.Val)
	}
	if m.Tag != "" {
		field("tag", m.Tag)
	}
	if m.TTL != NoTTL {
		field("ttl", strconv.Itoa(m.TTL))
	}
	if m.Reason != "" {
		field("reason", m.Reason)
	}
	if m.ClientAddr.IsValid() {
		field("clientAdr", m.ClientAddr.String())
	}
	if m.RelayAddr.IsValid() {
		field("relayAdr", m.RelayAddr.String())
	}
	if m.HashRange != nil {
		field("hashRange", m.HashRange.String())
	}
	if m.SuccInfo != nil {
		field("succInfo", m.SuccInfo.String())
	}
	if m.PredInfo != nil {
		field("predInfo", m.PredInfo.String())
	}
	if m.SenderInfo != nil {
		field("senderInfo", m.SenderInfo.String())
	}
	return b.Bytes()
}

// String returns the wire text, handy for debug logs.
func (m *Message) String() string {
	return string(m.Encode())
}

// DecodeError reports a datagram that is not a valid DHTP message. Msg holds
// whatever could be decoded (at least an empty message) so the receiver can
// echo tag and ttl in its failure reply.
type DecodeError struct {
	Msg    *Message
	Reason string
}

func (e *DecodeError) Error() string {
	return "invalid message: " + e.Reason
}

// Decode parses a datagram. On failure it returns a *DecodeError.
func Decode(data []byte) (*Message, error) {
	m := New(KindInvalid)

	if len(data) > MaxDatagramSize {
		return nil, &DecodeError{Msg: m, Reason: "datagram too large"}
	}

	lines := strings.Split(string(data), "\n")
	header := strings.TrimRight(lines[0], "\r")

	var firstErr error
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := m.setField(line); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if header != Identifier {
		return nil, &DecodeError{Msg: m, Reason: "bad identifier line"}
	}
	if firstErr != nil {
		return nil, &DecodeError{Msg: m, Reason: firstErr.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, &DecodeError{Msg: m, Reason: err.Error()}
	}
	return m, nil
}

// setField applies one "name:value" line. Unknown fields are ignored.
func (m *Message) setField(line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("malformed line %q", line)
	}

	var err error
	switch name {
	case "type":
		m.Kind, err = ParseKind(value)
	case "key":
		m.Key = value
	case "val":
		m.SetVal(value)
	case "tag":
		m.Tag = value
	case "ttl":
		var ttl int
		ttl, err = strconv.Atoi(value)
		if err == nil && ttl < 0 {
			err = fmt.Errorf("negative ttl")
		}
		if err == nil {
			m.TTL = ttl
		}
	case "reason":
		m.Reason = value
	case "clientAdr":
		m.ClientAddr, err = ParseAddr(value)
	case "relayAdr":
		m.RelayAddr, err = ParseAddr(value)
	case "hashRange":
		var r HashRange
		if r, err = ParseHashRange(value); err == nil {
			m.HashRange = &r
		}
	case "succInfo":
		m.SuccInfo, err = parsePeerField(value)
	case "predInfo":
		m.PredInfo, err = parsePeerField(value)
	case "senderInfo":
		m.SenderInfo, err = parsePeerField(value)
	}
	if err != nil {
		return fmt.Errorf("bad %s field: %w", name, err)
	}
	return nil
}

func parsePeerField(value string) (*PeerRef, error) {
	p, err := ParsePeerRef(value)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Failure builds the failure reply for a rejected request, echoing its tag and ttl.
func Failure(req *Message, reason string) *Message {
	reply := New(KindFailure)
	reply.Reason = reason
	if req != nil {
		reply.Tag = req.Tag
		reply.TTL = req.TTL
	}
	return reply
}
