package oepl

import "time"

// GATT identifiers. ATC_BLE_OEPL exposes a single service with a single
// read/write/notify characteristic, both under the same 16-bit UUID.
const (
	ServiceUUID        uint16 = 0x1337
	CharacteristicUUID uint16 = 0x1337
)

// Host → device commands.
const (
	CmdAckReady          uint16 = 0x0002 // ready to send the requested block
	CmdTransferComplete  uint16 = 0x0003 // final ack after upload/data-present
	CmdStartDataTransfer uint16 = 0x0064 // carries the 17-byte AvailDataInfo
	CmdSendBlockPart     uint16 = 0x0065 // carries a 233-byte block part
)

// Device → host responses (notifications).
const (
	RspCommandAck     uint16 = 0x0063 // generic command acknowledgment
	RspPartError      uint16 = 0x00C4 // part checksum failed, resend
	RspPartAck        uint16 = 0x00C5 // part accepted
	RspBlockRequest   uint16 = 0x00C6 // device requests (parts of) a block
	RspUploadComplete uint16 = 0x00C7 // all blocks received
	RspDataPresent    uint16 = 0x00C8 // identical image already on device
	RspError          uint16 = 0xFFFF // device-side protocol error
)

// Data framing sizes.
const (
	BlockDataSize     = 4096 // logical block of the image
	BlockPartDataSize = 230  // fragment payload per part
	PartsPerBlock     = 18   // ceil((4 + 4096) / 230)

	availDataInfoSize = 17
	blockPartWireSize = 3 + BlockPartDataSize // sum8 + blockID + partID + data
	blockRequestMin   = 17                    // reserved[9] + blockID + type + mask[6]
	partsMaskSize     = 6
)

// DefaultDataType is raw B/W/R or B/W/Y image data.
const DefaultDataType byte = 0x21

// Connection and transfer timing defaults. The settle delay exists because
// the tag is not ready to receive immediately after the notification
// subscription completes.
const (
	DefaultConnectRetries    = 200
	DefaultConnectRetryDelay = 1200 * time.Millisecond
	DefaultScanDuration      = 10 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultMTU               = 247
	SettleDelay              = 300 * time.Millisecond

	blockRequestTimeout = 20 * time.Second // device thinking between blocks
	responseTimeout     = 10 * time.Second // acks within a block exchange
)
