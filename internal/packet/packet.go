// Package packet implements the miIO wire framing the rest of this module
// treats as an external black box: a fixed 32-byte header (magic, length,
// device id, stamp, checksum/token) followed by an AES-128-CBC-encrypted
// JSON-RPC payload. Only the contract named by the network manager and the
// device call engine is exposed here — handshake framing, token-based
// encryption, and stamp bookkeeping — not a byte-for-byte reproduction of
// any particular vendor's implementation.
package packet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 32
	magic      = 0x2131
)

// ErrShortPacket is returned by Decode and HandleHandshakeReply when raw is
// smaller than the fixed header.
var ErrShortPacket = errors.New("packet: shorter than header")

// ErrBadMagic is returned by Decode and HandleHandshakeReply when the two
// magic bytes don't match.
var ErrBadMagic = errors.New("packet: bad magic")

// Packet is a single decoded (or about-to-be-sent) frame. Fields mirror the
// external contract: Raw, Data, Token, DeviceID, plus the
// Checksum/NeedsHandshake predicates below.
type Packet struct {
	Raw      []byte
	Data     []byte // decrypted JSON-RPC payload; empty for handshake frames
	Token    [16]byte
	DeviceID uint32
	Stamp    uint32
	isHello  bool
}

// Handshake reports whether this frame is a handshake request/reply: a
// bare header with no payload.
func (p *Packet) Handshake() bool { return p.isHello }

// Checksum verifies the frame's MD5 checksum against token. Handshake frames
// carry the token itself in the checksum slot and always verify.
func (p *Packet) Checksum(token [16]byte) bool {
	if p.isHello {
		return true
	}
	if len(p.Raw) < headerSize {
		return false
	}
	sum := md5.Sum(replaceChecksum(p.Raw, token))
	return bytes.Equal(sum[:], p.Raw[16:32])
}

func replaceChecksum(raw []byte, token [16]byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	copy(out[16:32], token[:])
	return out
}

// Codec holds the per-device protocol state a Packet-level black box needs
// beyond a single frame: the current stamp baseline and whether a fresh
// handshake must precede the next data frame. One Codec is owned by exactly
// one device.Info.
type Codec struct {
	deviceID        uint32
	knownDeviceID   bool
	baseStamp       uint32
	baseStampAtSend bool
	needsHandshake  bool
}

// NewCodec returns a Codec that requires a handshake before the first data
// frame, matching a freshly discovered device.
func NewCodec() *Codec {
	return &Codec{needsHandshake: true}
}

// NeedsHandshake reports whether a handshake must complete before Encode can
// build a data frame.
func (c *Codec) NeedsHandshake() bool { return c.needsHandshake }

// MarkHandshakeRequired forces the next Call to redo the handshake, used
// after the device rejects a frame with a retryable "invalid stamp" error.
func (c *Codec) MarkHandshakeRequired() { c.needsHandshake = true }

// DeviceID returns the device id learned from the handshake reply, or 0 if
// none has completed yet.
func (c *Codec) DeviceID() uint32 { return c.deviceID }

// BuildHandshake returns the 32-byte handshake request frame.
func (c *Codec) BuildHandshake() *Packet {
	raw := make([]byte, headerSize)
	binary.BigEndian.PutUint16(raw[0:2], magic)
	binary.BigEndian.PutUint16(raw[2:4], headerSize)
	for i := 4; i < 32; i++ {
		raw[i] = 0xFF
	}
	return &Packet{Raw: raw, isHello: true}
}

// HandleHandshakeReply parses a handshake reply frame, learns the device id
// and stamp baseline, and returns the token found in the checksum slot. A
// reply whose token slot is all-zero (device configured for cloud-only
// pairing, no local token issued) returns ErrMissingToken.
func (c *Codec) HandleHandshakeReply(raw []byte) ([16]byte, error) {
	var token [16]byte
	if len(raw) < headerSize {
		return token, ErrShortPacket
	}
	if binary.BigEndian.Uint16(raw[0:2]) != magic {
		return token, ErrBadMagic
	}
	c.deviceID = binary.BigEndian.Uint32(raw[8:12])
	c.knownDeviceID = true
	c.baseStamp = binary.BigEndian.Uint32(raw[12:16])
	c.baseStampAtSend = true
	copy(token[:], raw[16:32])
	if token == ([16]byte{}) {
		return token, ErrMissingToken
	}
	c.needsHandshake = false
	return token, nil
}

// ErrMissingToken is returned by HandleHandshakeReply when the device did
// not include a usable token in its reply.
var ErrMissingToken = errors.New("packet: handshake reply carried no token")

// nextStamp advances the stamp baseline by one tick per frame, matching the
// device's own monotonic stamp counter closely enough that a stale (already
// consumed) stamp is never resent.
func (c *Codec) nextStamp() uint32 {
	c.baseStamp++
	return c.baseStamp
}

// Encode frames payload (already-marshaled JSON) as an encrypted data frame
// using deviceID and token. Returns ErrHandshakeRequired if NeedsHandshake()
// is currently true.
func (c *Codec) Encode(token [16]byte, payload []byte) (*Packet, error) {
	if c.needsHandshake {
		return nil, ErrHandshakeRequired
	}
	if !c.knownDeviceID {
		return nil, errors.New("packet: no device id learned yet")
	}

	key, iv := deriveKeyIV(token)
	cipherText, err := aesCBCEncrypt(key, iv, payload)
	if err != nil {
		return nil, fmt.Errorf("packet: encrypt: %w", err)
	}

	stamp := c.nextStamp()
	total := headerSize + len(cipherText)
	raw := make([]byte, total)
	binary.BigEndian.PutUint16(raw[0:2], magic)
	binary.BigEndian.PutUint16(raw[2:4], uint16(total))
	binary.BigEndian.PutUint32(raw[4:8], 0)
	binary.BigEndian.PutUint32(raw[8:12], c.deviceID)
	binary.BigEndian.PutUint32(raw[12:16], stamp)
	copy(raw[32:], cipherText)

	sum := md5.Sum(replaceChecksum(raw, token))
	copy(raw[16:32], sum[:])

	return &Packet{Raw: raw, Data: payload, Token: token, DeviceID: c.deviceID, Stamp: stamp}, nil
}

// ErrHandshakeRequired is returned by Encode when no handshake has
// completed yet.
var ErrHandshakeRequired = errors.New("packet: handshake required before encoding")

// Decode parses an inbound frame. If it carries no payload it is treated as
// a handshake reply passthrough (callers detect this via Packet.Handshake).
// If it carries a payload it is decrypted with token.
func Decode(raw []byte, token [16]byte) (*Packet, error) {
	if len(raw) < headerSize {
		return nil, ErrShortPacket
	}
	if binary.BigEndian.Uint16(raw[0:2]) != magic {
		return nil, ErrBadMagic
	}
	deviceID := binary.BigEndian.Uint32(raw[8:12])
	stamp := binary.BigEndian.Uint32(raw[12:16])

	if len(raw) == headerSize {
		return &Packet{Raw: raw, DeviceID: deviceID, Stamp: stamp, isHello: true}, nil
	}

	key, iv := deriveKeyIV(token)
	plain, err := aesCBCDecrypt(key, iv, raw[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("packet: decrypt: %w", err)
	}
	return &Packet{Raw: raw, Data: plain, Token: token, DeviceID: deviceID, Stamp: stamp}, nil
}

func deriveKeyIV(token [16]byte) (key, iv []byte) {
	k := md5.Sum(token[:])
	ivSrc := append(append([]byte{}, k[:]...), token[:]...)
	i := md5.Sum(ivSrc)
	return k[:], i[:]
}

func aesCBCEncrypt(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func aesCBCDecrypt(key, iv, cipherText []byte) ([]byte, error) {
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, errors.New("packet: ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, cipherText)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("packet: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("packet: bad pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}
