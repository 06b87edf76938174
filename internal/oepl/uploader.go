package oepl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the tunable knobs of an upload session. The zero value of
// any field falls back to the protocol default.
type Config struct {
	ConnectRetries    int           // scan+connect attempts (default 200)
	ConnectRetryDelay time.Duration // pause between attempts (default 1200ms)
	ScanDuration      time.Duration // per-attempt scan window (default 10s)
	ConnectTimeout    time.Duration // per-attempt connect budget (default 10s)
	MTU               uint16        // negotiated ATT MTU (default 247)

	// PartRetries caps PART_ERROR resends per part. Zero means resend
	// until the device gives up on the block or errors out.
	PartRetries int
}

func (c *Config) applyDefaults() {
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if c.ScanDuration <= 0 {
		c.ScanDuration = DefaultScanDuration
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
}

// Uploader drives the ATC_BLE_OEPL transfer protocol against a single tag
// over an injected Transport. One upload owns the connection at a time;
// the protocol is half-duplex and the engine never has more than one
// outstanding exchange.
type Uploader struct {
	transport Transport
	cfg       Config
}

// NewUploader creates an Uploader over the given transport.
func NewUploader(t Transport, cfg Config) *Uploader {
	cfg.applyDefaults()
	return &Uploader{transport: t, cfg: cfg}
}

// sessionState tracks the transfer phase, mostly for the debug log.
type sessionState int

const (
	stateIdle sessionState = iota
	stateScanning
	stateConnecting
	stateConnected
	stateAwaitingAck
	stateServicing
	stateCompleted
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateScanning:
		return "scanning"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateAwaitingAck:
		return "awaiting-ack"
	case stateServicing:
		return "servicing"
	case stateCompleted:
		return "completed"
	}
	return "unknown"
}

// Upload connects to the tag at address and transfers the image. The
// connection is torn down on every exit path. Fatal failures are returned
// as *UploadError; cancellation surfaces ctx.Err().
func (u *Uploader) Upload(ctx context.Context, address string, image []byte, dataType byte) error {
	slog.Info("starting upload",
		"address", address,
		"bytes", len(image),
		"blocks", TotalBlocks(len(image)),
		"dataType", fmt.Sprintf("0x%02X", dataType),
	)

	s := &session{
		image:       image,
		dataType:    dataType,
		totalBlocks: TotalBlocks(len(image)),
		partRetries: u.cfg.PartRetries,
		blockID:     -1,
		partID:      -1,
	}

	conn, err := u.acquire(ctx, address, s)
	if err != nil {
		return err
	}
	defer func() {
		if derr := conn.Disconnect(); derr != nil {
			slog.Warn("disconnect failed", "err", derr)
		}
	}()

	ch, err := u.setup(ctx, conn)
	if err != nil {
		return err
	}
	s.ch = ch
	s.transition(stateConnected)

	return s.run(ctx)
}

// acquire runs the scan/connect retry loop. A device handle found by an
// earlier attempt is reused until a connect on it fails, which discards it
// and forces a fresh scan.
func (u *Uploader) acquire(ctx context.Context, address string, s *session) (Connection, error) {
	var (
		dev     Device
		conn    Connection
		lastErr error
		seen    bool
		attempt int
	)

	op := func() error {
		attempt++
		if dev == nil {
			s.transition(stateScanning)
			slog.Info("scanning for tag", "address", address, "attempt", attempt, "max", u.cfg.ConnectRetries)
			d, err := u.transport.Scan(ctx, address, u.cfg.ScanDuration)
			if err != nil {
				lastErr = err
				return err
			}
			dev = d
			seen = true
			slog.Info("tag found", "address", d.Address())
		}

		s.transition(stateConnecting)
		slog.Info("connecting", "address", address, "attempt", attempt, "max", u.cfg.ConnectRetries)
		c, err := dev.Connect(ctx, u.cfg.ConnectTimeout)
		if err != nil {
			slog.Warn("connect failed", "err", err)
			lastErr = err
			dev = nil
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(u.cfg.ConnectRetryDelay),
			uint64(u.cfg.ConnectRetries-1),
		),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if !seen {
			return nil, uploadErr(ErrDiscovery, lastErr)
		}
		return nil, uploadErr(ErrConnection, lastErr)
	}
	return conn, nil
}

// setup negotiates the MTU, resolves the 0x1337 service/characteristic pair
// and subscribes to notifications. The settle delay afterwards is required:
// the tag drops writes issued immediately after the subscription completes.
func (u *Uploader) setup(ctx context.Context, conn Connection) (Characteristic, error) {
	if err := conn.ExchangeMTU(u.cfg.MTU); err != nil {
		return nil, uploadErr(ErrSessionSetup, fmt.Errorf("mtu exchange: %w", err))
	}

	svc, err := conn.Service(ServiceUUID)
	if err != nil {
		return nil, uploadErr(ErrSessionSetup, fmt.Errorf("service 0x%04X: %w", ServiceUUID, err))
	}
	ch, err := svc.Characteristic(CharacteristicUUID)
	if err != nil {
		return nil, uploadErr(ErrSessionSetup, fmt.Errorf("characteristic 0x%04X: %w", CharacteristicUUID, err))
	}
	if err := ch.Subscribe(); err != nil {
		return nil, uploadErr(ErrSessionSetup, fmt.Errorf("subscribe: %w", err))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(SettleDelay):
	}
	return ch, nil
}

// session is the per-upload transfer state. pending holds a notification
// captured inside a sub-wait that belongs to the main loop's next dispatch;
// it is consumed before any new wait is issued.
type session struct {
	ch          Characteristic
	image       []byte
	dataType    byte
	totalBlocks int
	partRetries int

	pending []byte
	state   sessionState
	blockID int // current block, -1 outside a block exchange
	partID  int // current part, -1 outside a part exchange
}

func (s *session) transition(next sessionState) {
	slog.Debug("state", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *session) send(id uint16, payload []byte) error {
	if err := s.ch.WriteNoResponse(MarshalCommand(id, payload)); err != nil {
		return fmt.Errorf("send 0x%04X: %w", id, err)
	}
	return nil
}

// wait blocks for the next notification from the characteristic, attaching
// block/part context to timeouts.
func (s *session) wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	raw, err := s.ch.Notification(ctx, timeout)
	if err != nil {
		if errors.Is(err, ErrNotifyTimeout) {
			return nil, &UploadError{
				Kind:    ErrNotificationTimeout,
				BlockID: s.blockID,
				PartID:  s.partID,
				Err:     err,
			}
		}
		return nil, err
	}
	return raw, nil
}

// next returns the deferred notification if one is owed, otherwise waits.
func (s *session) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.pending != nil {
		raw := s.pending
		s.pending = nil
		return raw, nil
	}
	return s.wait(ctx, timeout)
}

func (s *session) protocolErr(lastResponse uint16) error {
	return &UploadError{
		Kind:         ErrProtocol,
		BlockID:      s.blockID,
		PartID:       s.partID,
		LastResponse: lastResponse,
	}
}

// run announces the transfer and services device requests until the device
// confirms completion.
func (s *session) run(ctx context.Context) error {
	s.transition(stateAwaitingAck)
	if err := s.send(CmdStartDataTransfer, MarshalAvailDataInfo(s.image, s.dataType)); err != nil {
		return err
	}

	for {
		raw, err := s.next(ctx, blockRequestTimeout)
		if err != nil {
			return err
		}
		id, payload, ok := ParseNotification(raw)
		if !ok {
			slog.Debug("ignoring malformed notification", "bytes", len(raw))
			continue
		}

		switch id {
		case RspBlockRequest:
			s.transition(stateServicing)
			if err := s.serveBlock(ctx, payload); err != nil {
				return err
			}

		case RspUploadComplete:
			slog.Info("upload complete (device confirmed)")
			if err := s.send(CmdTransferComplete, nil); err != nil {
				return err
			}
			s.transition(stateCompleted)
			return nil

		case RspDataPresent:
			slog.Info("identical data already present on device")
			if err := s.send(CmdTransferComplete, nil); err != nil {
				return err
			}
			s.transition(stateCompleted)
			return nil

		case RspCommandAck, RspPartAck, RspPartError:
			// stale acks from an earlier exchange

		case RspError:
			return s.protocolErr(id)

		default:
			slog.Debug("ignoring notification", "id", fmt.Sprintf("0x%04X", id))
		}
	}
}

// serveBlock handles one BLOCK_REQUEST: validates it, runs the ready-ack
// handshake and streams the requested parts. A deferred notification ends
// the block early; the main loop re-dispatches it.
func (s *session) serveBlock(ctx context.Context, payload []byte) error {
	req, err := ParseBlockRequest(payload)
	if err != nil {
		return &UploadError{
			Kind:         ErrProtocolViolation,
			BlockID:      -1,
			PartID:       -1,
			LastResponse: RspBlockRequest,
			Err:          err,
		}
	}
	if req.BlockID >= s.totalBlocks {
		return &UploadError{
			Kind:         ErrProtocolViolation,
			BlockID:      req.BlockID,
			PartID:       -1,
			LastResponse: RspBlockRequest,
			Err:          fmt.Errorf("requested block %d, image has %d", req.BlockID, s.totalBlocks),
		}
	}

	s.blockID = req.BlockID
	defer func() { s.blockID, s.partID = -1, -1 }()

	slog.Info("block requested",
		"block", req.BlockID,
		"parts", len(req.Parts),
		"type", fmt.Sprintf("0x%02X", req.DataType),
	)

	if err := s.send(CmdAckReady, nil); err != nil {
		return err
	}
	if err := s.awaitReadyAck(ctx); err != nil {
		return err
	}
	if s.pending != nil {
		return nil
	}

	for _, partID := range req.Parts {
		s.partID = partID
		if err := s.sendPart(ctx, req.BlockID, partID); err != nil {
			return err
		}
		slog.Debug("part sent", "block", req.BlockID, "part", partID, "of", PartsPerBlock)
		if s.pending != nil {
			return nil
		}
	}
	return nil
}

// awaitReadyAck consumes notifications after ACK_READY until the device
// acknowledges, errors, or jumps ahead with the next block-level event.
func (s *session) awaitReadyAck(ctx context.Context) error {
	for {
		raw, err := s.wait(ctx, responseTimeout)
		if err != nil {
			return err
		}
		id, _, ok := ParseNotification(raw)
		if !ok {
			slog.Debug("ignoring malformed notification", "bytes", len(raw))
			continue
		}

		switch id {
		case RspCommandAck:
			return nil
		case RspBlockRequest, RspUploadComplete, RspDataPresent:
			s.pending = raw
			return nil
		case RspPartAck, RspPartError:
			// leftovers from the previous block
		case RspError:
			return s.protocolErr(id)
		default:
			slog.Debug("ignoring ready-wait notification", "id", fmt.Sprintf("0x%04X", id))
		}
	}
}

// sendPart performs the send-and-await-ack exchange for one part. PART_ERROR
// resends the identical frame; COMMAND_ACK is the write echo and never
// triggers a resend.
func (s *session) sendPart(ctx context.Context, blockID, partID int) error {
	frame := MarshalBlockPart(s.image, blockID, partID)

	resends := 0
	for {
		if err := s.send(CmdSendBlockPart, frame); err != nil {
			return err
		}

	recv:
		for {
			raw, err := s.wait(ctx, responseTimeout)
			if err != nil {
				return err
			}
			id, _, ok := ParseNotification(raw)
			if !ok {
				slog.Debug("ignoring malformed notification", "bytes", len(raw))
				continue
			}

			switch id {
			case RspPartAck:
				return nil
			case RspPartError:
				resends++
				if s.partRetries > 0 && resends > s.partRetries {
					return &UploadError{
						Kind:         ErrPartRetryExhausted,
						BlockID:      blockID,
						PartID:       partID,
						LastResponse: id,
					}
				}
				slog.Warn("part rejected, resending", "block", blockID, "part", partID, "resend", resends)
				break recv
			case RspCommandAck:
				// write echo; keep waiting for the part verdict
			case RspBlockRequest, RspUploadComplete, RspDataPresent:
				s.pending = raw
				return nil
			case RspError:
				return s.protocolErr(id)
			default:
				slog.Debug("ignoring part-wait notification", "id", fmt.Sprintf("0x%04X", id))
			}
		}
	}
}
