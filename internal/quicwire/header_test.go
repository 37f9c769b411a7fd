package quicwire

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pemi/internal/pemierr"
)

// Captured from a real QUIC handshake pcap (client Initial, server Handshake).
const initialPacketHex = "c40000000110f44df81582d3b6f067b182f6b3c5caa8141ab213fc50df36f8791d09d293df6e43b41f72be004113cf596b00603ff64b70db409bf89fa57050c6462a223003c9d49492e62b86ddf32ed05d1e85903725d1f7827c562dfad04ca2229190d970c235907a9363d7f15e026ffaa1180efe89347fbb8cc6ffdd188517f98b22016805d0104de5b6f1e20ebc7b64e5cf3a88fff831fb0a4b8daab1e721ed1bfc16f5fcfa42eb8e9c596b107b7386052a8b070506133a9f7bed479d960345992620355aa2adea1e9f355cd8d8018ec3406ad7976b94f4f837b13f67e19e65709e4afdf0a8db954c29154870d24d31ad75391d752d1650a63a6909edcf8fae1a11f86ad22b6d1ac9f10eea107c445e7a6d45bdc4d092aecd37b46d919718f5180846b93e401a72ec4155462a64340ba7bc26b923fae55ba2f13462dd70d5b8" +
	"0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

const handshakePacketHex = "ee00000001141ab213fc50df36f8791d09d293df6e43b41f72be14a0e5ef94e277a0e9f0cfbf1e16ae5dd6ecf6913d410687bf40e2c344eb8f308f336523565793a585601768fb119011dc31cd441f4b0a1a418f5af1f8d24eb864d171c1a19a60a89a0c4975f9c44abf2daf45314f0b56f59670b09ed6f4ada6db70410f0baf490bd19d08e1e147e9526c4beaeea7cc75f93425ac5e1c86456b0ecaaa445b40df791590ba15fcef7376b8ee61a4bb202c9efc319190a1e816b6b743d764d9f069e43c65706743faed9c547232e16c45284c18186443f43ce11930595c4ec5a0475c83d3cd1dab3768bf3428e6683a6446c44b0e5c02424acb3cc879f5a24ef7564c3b675b77d5a50bfd3e031b924829a8fd777f1a0a4b5768fb49cc745d96c925c451e4c0d3fa56aed51e2142163ec787d093c22ede9c"

func TestParseHeaderInitial(t *testing.T) {
	buf, err := hex.DecodeString(initialPacketHex)
	require.NoError(t, err)

	hdr, _, err := ParseHeader(buf, 0)
	require.NoError(t, err)
	require.Equal(t, TypeInitial, hdr.Type)
	require.False(t, hdr.Spin)
	require.EqualValues(t, 1, hdr.Version)

	dcid, err := hex.DecodeString("f44df81582d3b6f067b182f6b3c5caa8")
	require.NoError(t, err)
	require.Equal(t, dcid, hdr.DCID)

	scid, err := hex.DecodeString("1ab213fc50df36f8791d09d293df6e43b41f72be")
	require.NoError(t, err)
	require.Equal(t, scid, hdr.SCID)
}

func TestParseHeaderHandshake(t *testing.T) {
	buf, err := hex.DecodeString(handshakePacketHex)
	require.NoError(t, err)

	hdr, _, err := ParseHeader(buf, 0)
	require.NoError(t, err)
	require.Equal(t, TypeHandshake, hdr.Type)
	require.False(t, hdr.Spin)
	require.EqualValues(t, 1, hdr.Version)

	dcid, err := hex.DecodeString("1ab213fc50df36f8791d09d293df6e43b41f72be")
	require.NoError(t, err)
	require.Equal(t, dcid, hdr.DCID)

	scid, err := hex.DecodeString("a0e5ef94e277a0e9f0cfbf1e16ae5dd6ecf6913d")
	require.NoError(t, err)
	require.Equal(t, scid, hdr.SCID)
}

func TestParseHeaderShortWithoutKnownDCIDLen(t *testing.T) {
	buf := []byte{0x40, 0x01, 0x02, 0x03}
	_, _, err := ParseHeader(buf, 0)
	require.ErrorIs(t, err, pemierr.ErrInvalidState)
}

func TestParseHeaderShortWithKnownDCIDLen(t *testing.T) {
	buf := []byte{0x40, 0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02}
	hdr, n, err := ParseHeader(buf, 4)
	require.NoError(t, err)
	require.Equal(t, TypeShort, hdr.Type)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, hdr.DCID)
	require.Equal(t, 2, hdr.Length)
	require.Equal(t, 5, n)
}

func TestParseHeaderTooShort(t *testing.T) {
	_, _, err := ParseHeader(nil, 0)
	require.ErrorIs(t, err, pemierr.ErrBufferTooShort)
}

func TestParseHeaderRejectsOversizedCID(t *testing.T) {
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x01, 0x15} // dcid_len=21 > MaxCIDLen for v1
	_, _, err := ParseHeader(buf, 0)
	require.ErrorIs(t, err, pemierr.ErrInvalidState)
}

func TestIsUDPPadding(t *testing.T) {
	require.True(t, IsUDPPadding([]byte{0x00, 0x01}))
	require.False(t, IsUDPPadding([]byte{0x01, 0x00}))
	require.False(t, IsUDPPadding(nil))
}
