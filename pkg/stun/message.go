// Package stun implements the subset of RFC 5389 needed to learn the public
// UDP endpoint: binding requests, XOR-MAPPED-ADDRESS decoding, a client that
// runs over a shared socket and a small binding server.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/saintparish4/udpunch/pkg/types"
)

// MessageType represents STUN message type
type MessageType uint16

const (
	TypeBindingRequest MessageType = 0x0001
	TypeBindingSuccess MessageType = 0x0101
	TypeBindingError   MessageType = 0x0111
)

// AttributeType represents STUN attribute type
type AttributeType uint16

const (
	AttrMappedAddress    AttributeType = 0x0001 // MAPPED-ADDRESS
	AttrXORMappedAddress AttributeType = 0x0020 // XOR-MAPPED-ADDRESS
	AttrSoftware         AttributeType = 0x8022 // SOFTWARE
	AttrFingerprint      AttributeType = 0x8028 // FINGERPRINT
)

const (
	// MagicCookie is both the framing constant and the XOR key for mapped addresses.
	MagicCookie uint32 = 0x2112A442

	// Header size in bytes
	HeaderSize = 20

	// Transaction ID size in bytes
	TransactionIDSize = 12

	attributeHeaderSize = 4

	// minimum XOR-MAPPED-ADDRESS value for IPv4: reserved, family, port, address
	xorMappedIPv4Size = 8

	FamilyIPv4 uint8 = 0x01
	FamilyIPv6 uint8 = 0x02
)

// Message represents a STUN message
type Message struct {
	Type          MessageType
	TransactionID [TransactionIDSize]byte
	Attributes    []Attribute
}

// Attribute represents a STUN attribute
type Attribute struct {
	Type   AttributeType
	Length uint16
	Value  []byte
}

// MappedAddress is the externally visible endpoint reported by the server.
type MappedAddress struct {
	Family uint8
	IP     string
	Port   uint16
}

// Endpoint converts the mapped address for use as a peer endpoint.
func (a MappedAddress) Endpoint() types.Endpoint {
	return types.Endpoint{IP: a.IP, Port: a.Port}
}

func (a MappedAddress) String() string {
	return a.IP + ":" + strconv.Itoa(int(a.Port))
}

// NewMessage creates a new STUN message with a random transaction ID
func NewMessage(msgType MessageType) (*Message, error) {
	msg := &Message{Type: msgType}

	if _, err := rand.Read(msg.TransactionID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate transaction ID: %w", err)
	}

	return msg, nil
}

// AddAttribute adds an attribute to the message
func (m *Message) AddAttribute(attr Attribute) {
	m.Attributes = append(m.Attributes, attr)
}

// Encode encodes the STUN message to wire format
func (m *Message) Encode() []byte {
	msgLength := 0
	for _, attr := range m.Attributes {
		msgLength += attributeHeaderSize + padded(int(attr.Length))
	}

	buf := make([]byte, HeaderSize+msgLength)

	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(msgLength))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])

	offset := HeaderSize
	for _, attr := range m.Attributes {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(attr.Type))
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], attr.Length)
		copy(buf[offset+4:offset+4+int(attr.Length)], attr.Value)
		offset += attributeHeaderSize + padded(int(attr.Length))
	}

	return buf
}

// EncodeRequest builds a 20-byte binding request with a fresh transaction ID.
func EncodeRequest() ([]byte, error) {
	msg, err := NewMessage(TypeBindingRequest)
	if err != nil {
		return nil, err
	}
	return msg.Encode(), nil
}

// EncodeResponse builds a binding success response carrying ip:port as an
// XOR-MAPPED-ADDRESS. Only IPv4 is supported.
func EncodeResponse(transactionID [TransactionIDSize]byte, ip string, port uint16) ([]byte, error) {
	attr, err := EncodeXORMappedAddress(ip, port)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Type:          TypeBindingSuccess,
		TransactionID: transactionID,
	}
	msg.AddAttribute(attr)
	return msg.Encode(), nil
}

// EncodeXORMappedAddress creates an XOR-MAPPED-ADDRESS attribute for an IPv4 address.
func EncodeXORMappedAddress(ip string, port uint16) (Attribute, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Attribute{}, fmt.Errorf("%w: %q", types.ErrInvalidInput, ip)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return Attribute{}, fmt.Errorf("%w: %s", types.ErrUnsupportedFamily, addr)
	}

	value := make([]byte, xorMappedIPv4Size)
	value[1] = FamilyIPv4
	binary.BigEndian.PutUint16(value[2:4], port^uint16(MagicCookie>>16))

	cookie := cookieBytes()
	octets := addr.As4()
	for i := range octets {
		value[4+i] = octets[i] ^ cookie[i]
	}

	return Attribute{
		Type:   AttrXORMappedAddress,
		Length: uint16(len(value)),
		Value:  value,
	}, nil
}

// DecodeResponse walks the attributes of a binding response and returns the
// XOR-MAPPED-ADDRESS. The transaction ID is not checked.
func DecodeResponse(data []byte) (MappedAddress, error) {
	if len(data) < HeaderSize {
		return MappedAddress{}, fmt.Errorf("%w: %d bytes", types.ErrMalformedMessage, len(data))
	}

	offset := HeaderSize
	for offset+attributeHeaderSize <= len(data) {
		attrType := AttributeType(binary.BigEndian.Uint16(data[offset : offset+2]))
		attrLength := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))

		if attrType == AttrXORMappedAddress {
			return decodeXORMappedAddress(data[offset+attributeHeaderSize:], attrLength)
		}

		offset += attributeHeaderSize + padded(attrLength)
	}

	return MappedAddress{}, types.ErrAttributeNotFound
}

// decodeXORMappedAddress decodes the attribute value that follows its header.
// rest is everything after the header, length is the declared value length.
func decodeXORMappedAddress(rest []byte, length int) (MappedAddress, error) {
	// 0: Reserved
	// 1: Family
	// 2-3: X-Port
	// 4-7: X-Address (IPv4)
	if length < xorMappedIPv4Size {
		return MappedAddress{}, fmt.Errorf("%w: XOR-MAPPED-ADDRESS length %d", types.ErrMalformedAttribute, length)
	}
	if len(rest) < length {
		return MappedAddress{}, fmt.Errorf("%w: XOR-MAPPED-ADDRESS truncated (%d of %d bytes)",
			types.ErrMalformedAttribute, len(rest), length)
	}
	value := rest[:length]

	family := value[1]
	if family != FamilyIPv4 {
		return MappedAddress{}, fmt.Errorf("%w: 0x%02x", types.ErrUnsupportedFamily, family)
	}

	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(MagicCookie>>16)

	cookie := cookieBytes()
	var octets [4]byte
	for i := range octets {
		octets[i] = value[4+i] ^ cookie[i]
	}

	return MappedAddress{
		Family: family,
		IP:     netip.AddrFrom4(octets).String(),
		Port:   port,
	}, nil
}

func cookieBytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], MagicCookie)
	return b
}

// padded rounds an attribute value length up to the 4-byte boundary.
func padded(n int) int {
	if pad := n % 4; pad != 0 {
		return n + 4 - pad
	}
	return n
}

// String returns a human-readable representation of the message type
func (t MessageType) String() string {
	switch t {
	case TypeBindingRequest:
		return "Binding Request"
	case TypeBindingSuccess:
		return "Binding Success Response"
	case TypeBindingError:
		return "Binding Error Response"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
	}
}

// String returns a human-readable representation of the attribute type
func (t AttributeType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrFingerprint:
		return "FINGERPRINT"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
	}
}
