package stun

import (
	"encoding/binary"
	"net"
	"testing"

	pionstun "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/udpunch/pkg/types"
)

func TestEncodeRequest(t *testing.T) {
	request, err := EncodeRequest()
	require.NoError(t, err)
	require.Len(t, request, HeaderSize)

	assert.Equal(t, uint16(TypeBindingRequest), binary.BigEndian.Uint16(request[0:2]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(request[2:4]))
	assert.Equal(t, MagicCookie, binary.BigEndian.Uint32(request[4:8]))

	other, err := EncodeRequest()
	require.NoError(t, err)
	assert.NotEqual(t, request[8:20], other[8:20], "transaction IDs should be fresh per request")
}

func TestDecodeResponseGolden(t *testing.T) {
	// IP 192.0.2.1, port 32768:
	// X-Port    = 32768 ^ 0x2112 = 0xA112
	// X-Address = 0xC0000201 ^ 0x2112A442 = 0xE112A643
	response := []byte{
		0x01, 0x01, 0x00, 0x0c, // Binding Success, length 12
		0x21, 0x12, 0xa4, 0x42, // magic cookie
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c,
		0x00, 0x20, 0x00, 0x08, // XOR-MAPPED-ADDRESS, length 8
		0x00, 0x01, 0xa1, 0x12, // reserved, IPv4, X-Port
		0xe1, 0x12, 0xa6, 0x43, // X-Address
	}

	addr, err := DecodeResponse(response)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", addr.IP)
	assert.Equal(t, uint16(32768), addr.Port)
	assert.Equal(t, FamilyIPv4, addr.Family)
}

func TestDecodeResponseMirrorsRequest(t *testing.T) {
	request, err := EncodeRequest()
	require.NoError(t, err)

	var txID [TransactionIDSize]byte
	copy(txID[:], request[8:20])

	response, err := EncodeResponse(txID, "203.0.113.1", 54321)
	require.NoError(t, err)
	assert.Equal(t, request[4:20], response[4:20], "cookie and transaction ID are mirrored")

	addr, err := DecodeResponse(response)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", addr.IP)
	assert.Equal(t, uint16(54321), addr.Port)
}

func TestXORMappedAddressRoundTrip(t *testing.T) {
	samples := []struct {
		ip   string
		port uint16
	}{
		{"0.0.0.0", 1},
		{"10.0.0.1", 80},
		{"192.168.1.100", 5000},
		{"198.51.100.7", 40000},
		{"255.255.255.255", 65535},
		{"33.18.164.66", 8466}, // equal to the cookie itself
	}

	for _, s := range samples {
		response, err := EncodeResponse([TransactionIDSize]byte{}, s.ip, s.port)
		require.NoError(t, err)

		addr, err := DecodeResponse(response)
		require.NoError(t, err, s.ip)
		assert.Equal(t, s.ip, addr.IP)
		assert.Equal(t, s.port, addr.Port)
	}
}

func TestDecodeResponseFromPion(t *testing.T) {
	msg, err := pionstun.Build(
		pionstun.TransactionID,
		pionstun.BindingSuccess,
		pionstun.NewSoftware("x"), // 1-byte value, padded on the wire
		&pionstun.XORMappedAddress{IP: net.ParseIP("203.0.113.1"), Port: 54321},
		pionstun.Fingerprint,
	)
	require.NoError(t, err)

	addr, err := DecodeResponse(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", addr.IP)
	assert.Equal(t, uint16(54321), addr.Port)
}

func TestDecodeResponseErrors(t *testing.T) {
	header := func(extra ...byte) []byte {
		b := make([]byte, HeaderSize)
		binary.BigEndian.PutUint16(b[0:2], uint16(TypeBindingSuccess))
		binary.BigEndian.PutUint16(b[2:4], uint16(len(extra)))
		binary.BigEndian.PutUint32(b[4:8], MagicCookie)
		return append(b, extra...)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, types.ErrMalformedMessage},
		{"19 bytes", make([]byte, 19), types.ErrMalformedMessage},
		{"no attributes", header(), types.ErrAttributeNotFound},
		{
			"only software",
			header(0x80, 0x22, 0x00, 0x04, 'a', 'b', 'c', 'd'),
			types.ErrAttributeNotFound,
		},
		{
			"trailing partial attribute header",
			header(0x80, 0x22, 0x00, 0x00, 0x00, 0x20),
			types.ErrAttributeNotFound,
		},
		{
			"short xor-mapped-address",
			header(0x00, 0x20, 0x00, 0x04, 0x00, 0x01, 0xa1, 0x12),
			types.ErrMalformedAttribute,
		},
		{
			"truncated xor-mapped-address",
			header(0x00, 0x20, 0x00, 0x08, 0x00, 0x01, 0xa1, 0x12, 0xe1),
			types.ErrMalformedAttribute,
		},
		{
			"ipv6 family",
			header(0x00, 0x20, 0x00, 0x14, 0x00, 0x02, 0xa1, 0x12,
				0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
			types.ErrUnsupportedFamily,
		},
		{
			"unknown family",
			header(0x00, 0x20, 0x00, 0x08, 0x00, 0x07, 0xa1, 0x12, 0, 0, 0, 0),
			types.ErrUnsupportedFamily,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeXORMappedAddressRejectsIPv6(t *testing.T) {
	_, err := EncodeXORMappedAddress("2001:db8::1", 3478)
	assert.ErrorIs(t, err, types.ErrUnsupportedFamily)

	_, err = EncodeXORMappedAddress("bogus", 3478)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestMessageEncodeWithPadding(t *testing.T) {
	msg, err := NewMessage(TypeBindingRequest)
	require.NoError(t, err)

	msg.AddAttribute(Attribute{Type: AttrSoftware, Length: 5, Value: []byte("Hello")})

	// Header (20) + Attr header (4) + Value (5) + Padding (3) = 32
	encoded := msg.Encode()
	assert.Len(t, encoded, 32)
	assert.Equal(t, uint16(12), binary.BigEndian.Uint16(encoded[2:4]))
}

func TestTypeStrings(t *testing.T) {
	assert.Equal(t, "Binding Request", TypeBindingRequest.String())
	assert.Equal(t, "Binding Success Response", TypeBindingSuccess.String())
	assert.Equal(t, "Unknown (0x9999)", MessageType(0x9999).String())
	assert.Equal(t, "XOR-MAPPED-ADDRESS", AttrXORMappedAddress.String())
	assert.Equal(t, "Unknown (0x9999)", AttributeType(0x9999).String())
}
