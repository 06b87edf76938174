package oepl

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// --------------------------------------------------------------------------
// Checksums
// --------------------------------------------------------------------------

// sum8 is the additive 8-bit checksum used on block parts.
func sum8(data []byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}
	return s
}

// sum16 is the additive 16-bit checksum used on wrapped blocks.
func sum16(data []byte) uint16 {
	var s uint16
	for _, b := range data {
		s += uint16(b)
	}
	return s
}

// --------------------------------------------------------------------------
// Command framing
// --------------------------------------------------------------------------

// MarshalCommand builds a host→device command packet: big-endian command id
// followed by the payload. Payloads are little-endian; the mixed endianness
// is a quirk of the device firmware and must be preserved.
func MarshalCommand(id uint16, payload []byte) []byte {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], id)
	copy(buf[2:], payload)
	return buf
}

// ParseNotification splits a device notification into response id and
// payload. ok is false for nil or short frames; the caller treats those as
// unrecognized and keeps waiting.
func ParseNotification(data []byte) (id uint16, payload []byte, ok bool) {
	if len(data) < 2 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(data[0:2]), data[2:], true
}

// --------------------------------------------------------------------------
// Transfer announcement
// --------------------------------------------------------------------------

// MarshalAvailDataInfo builds the 17-byte AvailDataInfo structure carried by
// START_DATA_TRANSFER:
//
//	[0]     0xFF marker
//	[1:9]   CRC32 of the whole image, little-endian u64 slot (upper 4 zero)
//	[9:13]  image length, little-endian u32
//	[13]    data type
//	[14:17] reserved, zero
func MarshalAvailDataInfo(image []byte, dataType byte) []byte {
	buf := make([]byte, availDataInfoSize)
	buf[0] = 0xFF
	binary.LittleEndian.PutUint64(buf[1:9], uint64(crc32.ChecksumIEEE(image)))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(image)))
	buf[13] = dataType
	return buf
}

// --------------------------------------------------------------------------
// Blocks and parts
// --------------------------------------------------------------------------

// TotalBlocks returns the number of 4096-byte blocks covering an image of n
// bytes.
func TotalBlocks(n int) int {
	return (n + BlockDataSize - 1) / BlockDataSize
}

// WrapBlock slices block blockID out of the image (the final block may be
// short) and prepends the 4-byte block header: little-endian payload length
// and little-endian sum16 of the payload.
func WrapBlock(image []byte, blockID int) []byte {
	start := blockID * BlockDataSize
	if start > len(image) {
		start = len(image)
	}
	end := start + BlockDataSize
	if end > len(image) {
		end = len(image)
	}
	payload := image[start:end]

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], sum16(payload))
	copy(buf[4:], payload)
	return buf
}

// MarshalBlockPart builds the 233-byte wire form of part partID of block
// blockID: a sum8 checksum over the following 232 bytes, the block and part
// ids, then the 230-byte fragment of the wrapped block, zero-padded on the
// right when it extends past the wrapped data.
func MarshalBlockPart(image []byte, blockID, partID int) []byte {
	wrapped := WrapBlock(image, blockID)

	buf := make([]byte, blockPartWireSize)
	buf[1] = byte(blockID)
	buf[2] = byte(partID)

	start := partID * BlockPartDataSize
	if start < len(wrapped) {
		end := start + BlockPartDataSize
		if end > len(wrapped) {
			end = len(wrapped)
		}
		copy(buf[3:], wrapped[start:end])
	}

	buf[0] = sum8(buf[1:])
	return buf
}

// RequestedParts decodes a requested-parts bitmask into ascending part ids.
// Bit i of byte i/8 set means part i is requested. Masks shorter than 6
// bytes are tolerated: missing bytes read as no-parts-requested.
func RequestedParts(mask []byte) []int {
	var parts []int
	for partID := 0; partID < PartsPerBlock; partID++ {
		byteIndex := partID / 8
		if byteIndex >= len(mask) {
			continue
		}
		if mask[byteIndex]>>(partID%8)&0x01 == 1 {
			parts = append(parts, partID)
		}
	}
	return parts
}

// --------------------------------------------------------------------------
// Block request
// --------------------------------------------------------------------------

// BlockRequest is the decoded payload of a BLOCK_REQUEST notification.
// Bytes 0–8 of the payload are reserved and opaque to the host.
type BlockRequest struct {
	BlockID  int
	DataType byte  // echoed by the device, not interpreted here
	Parts    []int // ascending requested part ids
}

// ParseBlockRequest decodes a BLOCK_REQUEST payload: blockID at offset 9,
// data type at 10, 6-byte parts mask at 11.
func ParseBlockRequest(payload []byte) (*BlockRequest, error) {
	if len(payload) < blockRequestMin {
		return nil, fmt.Errorf("block request payload too short: %d bytes", len(payload))
	}
	return &BlockRequest{
		BlockID:  int(payload[9]),
		DataType: payload[10],
		Parts:    RequestedParts(payload[11 : 11+partsMaskSize]),
	}, nil
}
