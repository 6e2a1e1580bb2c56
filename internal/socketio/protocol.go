package socketio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect socketPacketType = '0'
	socketEvent   socketPacketType = '2'
	socketAck     socketPacketType = '3'
	socketError   socketPacketType = '4'
)

const defaultNamespace = "/"

// packet is one socket.io frame, without the engine.io message prefix.
type packet struct {
	Type      socketPacketType
	Namespace string
	ID        *int
	Data      json.RawMessage
}

func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, errors.New("empty payload")
	}
	p := packet{Type: socketPacketType(s[0]), Namespace: defaultNamespace}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			p.Namespace, rest = rest[:comma], rest[comma+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, errors.Wrap(err, "invalid packet id")
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// event splits the data of an EVENT packet into its name and arguments.
func (p packet) event() (string, []json.RawMessage, error) {
	if p.Type != socketEvent {
		return "", nil, errors.New("not an event packet")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil {
		return "", nil, errors.Wrap(err, "invalid event payload")
	}
	if len(arr) == 0 {
		return "", nil, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, errors.New("invalid event name")
	}
	return name, arr[1:], nil
}

func (p packet) encode() string {
	var b strings.Builder
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != defaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.Itoa(*p.ID))
	}
	b.Write(p.Data)
	return b.String()
}

// frame wraps the packet in an engine.io message.
func (p packet) frame() string {
	return string(engineMessage) + p.encode()
}

func newPacket(t socketPacketType, namespace string, id *int, data any) (packet, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return packet{}, err
	}
	return packet{Type: t, Namespace: namespace, ID: id, Data: raw}, nil
}

func eventPacket(namespace, event string, args ...any) (packet, error) {
	return newPacket(socketEvent, namespace, nil, append([]any{event}, args...))
}

func ackPacket(namespace string, id int, args ...any) (packet, error) {
	if args == nil {
		args = []any{}
	}
	return newPacket(socketAck, namespace, &id, args)
}

func connectPacket(namespace, sid string) (packet, error) {
	return newPacket(socketConnect, namespace, nil, map[string]string{"sid": sid})
}

// connectErrorPacket rejects a CONNECT the way socket.io v5 clients expect.
func connectErrorPacket(namespace, message string) (packet, error) {
	return newPacket(socketError, namespace, nil, map[string]string{"message": message})
}
