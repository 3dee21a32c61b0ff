// SPDX-License-Identifier: GPL-2.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"sanchez/pkg/container"
	"sanchez/pkg/log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client defaults.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultSyncDeadline = 30 * time.Second
)

// State of a client session.
type State uint8

// Session states.
const (
	StateAwaitingMetadata State = iota
	StateAwaitingConfig
	StateStreaming
	StateEnded
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingMetadata:
		return "awaitingMetadata"
	case StateAwaitingConfig:
		return "awaitingConfig"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Event is a message delivered by Recv.
type Event interface{ isEvent() }

// SyncedEvent is delivered once metadata and config have both arrived.
type SyncedEvent struct {
	Metadata container.Metadata
	Config   StreamConfig
}

// FrameEvent carries one frame in raw RGB24 form, verified and
// decompressed. Recovered is set when parity data repaired it.
type FrameEvent struct {
	Index     int
	Data      []byte
	Recovered bool
}

// AudioEvent carries the complete companion audio track.
type AudioEvent struct {
	Data []byte
}

// EndEvent is delivered when the server ends the stream.
type EndEvent struct{}

func (SyncedEvent) isEvent() {}
func (FrameEvent) isEvent()  {}
func (AudioEvent) isEvent()  {}
func (EndEvent) isEvent()    {}

// ClientConfig configures a stream client.
type ClientConfig struct {
	Mode Mode
	Addr string

	// Timeout ends the session when no packet arrives within it.
	// Zero selects the default.
	Timeout time.Duration

	// SyncDeadline bounds the wait for metadata and config. Zero
	// selects the default.
	SyncDeadline time.Duration

	Logger     *log.Logger
	Registerer prometheus.Registerer
}

// Client receives a stream, reassembles chunked frames and delivers
// them in order as events. Not safe for concurrent use, except Stats.
type Client struct {
	cfg     ClientConfig
	logger  *log.Logger
	conn    PacketConn
	metrics *clientMetrics
	stats   statCounters

	state      State
	syncStart  time.Time
	lastPacket time.Time

	haveSeq bool
	lastSeq uint32

	meta    *container.Metadata
	scfg    *StreamConfig
	presync []Packet

	pending       *assembler
	lastDelivered int64
	audio         *audioAssembler

	events []Event
}

// NewClient prepares a client. Connect must be called before Recv.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SyncDeadline == 0 {
		cfg.SyncDeadline = DefaultSyncDeadline
	}
	return &Client{
		cfg:           cfg,
		logger:        cfg.Logger,
		metrics:       newClientMetrics(cfg.Registerer),
		lastDelivered: -1,
	}
}

// Connect opens the transport and greets the server. Connectionless
// receive-only modes skip the greeting.
func (c *Client) Connect(ctx context.Context) error {
	if c.logger == nil {
		return fmt.Errorf("no logger")
	}

	conn, err := Dial(ctx, c.cfg.Mode, c.cfg.Addr)
	if err != nil {
		return err
	}
	c.conn = conn

	if c.cfg.Mode == ModeTCP || c.cfg.Mode == ModeUDP {
		hello := Packet{Type: TypeHello, Payload: marshalHello()}
		if err := conn.WritePacket(hello); err != nil {
			conn.Close()
			return err
		}
	}

	now := time.Now()
	c.syncStart = now
	c.lastPacket = now
	c.state = StateAwaitingMetadata
	return nil
}

// Close closes the transport.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// State returns the session state.
func (c *Client) State() State {
	return c.state
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Metadata returns the stream metadata, nil before synchronization.
func (c *Client) Metadata() *container.Metadata {
	return c.meta
}

// Config returns the stream config, nil before synchronization.
func (c *Client) Config() *StreamConfig {
	return c.scfg
}

// Recv blocks until the next event. It returns ErrDisconnected when
// the packet timeout elapses, ErrSessionDesync when metadata and
// config don't arrive within the sync deadline and ErrSessionEnded
// once the end event has been delivered.
func (c *Client) Recv(ctx context.Context) (Event, error) {
	for {
		if len(c.events) > 0 {
			ev := c.events[0]
			c.events = c.events[1:]
			return ev, nil
		}

		switch c.state {
		case StateEnded:
			return nil, ErrSessionEnded
		case StateDisconnected:
			return nil, ErrDisconnected
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Wake up at least once a second to check the context and
		// the deadlines.
		if err := c.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return nil, err
		}

		p, err := c.conn.ReadPacket()
		if err != nil {
			if isTimeout(err) {
				if err := c.checkDeadlines(); err != nil {
					return nil, err
				}
				continue
			}
			if errors.Is(err, ErrInvalidPacket) && c.cfg.Mode != ModeTCP {
				// A malformed datagram doesn't end the session.
				c.countInvalid()
				continue
			}
			c.state = StateDisconnected
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		c.handlePacket(p)
	}
}

func (c *Client) checkDeadlines() error {
	now := time.Now()
	if c.state != StateStreaming && now.Sub(c.syncStart) > c.cfg.SyncDeadline {
		c.state = StateDisconnected
		return ErrSessionDesync
	}
	if now.Sub(c.lastPacket) > c.cfg.Timeout {
		c.state = StateDisconnected
		return ErrDisconnected
	}
	return nil
}

func (c *Client) handlePacket(p Packet) {
	c.lastPacket = time.Now()
	c.countPacket(len(p.Payload))
	c.trackSeq(p.Seq)
	c.dispatch(p)
}

func (c *Client) dispatch(p Packet) {
	switch p.Type {
	case TypeMetadata:
		c.handleMetadata(p)

	case TypeConfig:
		c.handleConfig(p)

	case TypeFrame, TypeFrameChunk, TypeParity, TypeAudio:
		if c.state != StateStreaming {
			c.buffer(p)
			return
		}
		switch p.Type {
		case TypeFrame:
			c.handleFrame(p)
		case TypeFrameChunk:
			c.handleFrameChunk(p)
		case TypeParity:
			c.handleParity(p)
		case TypeAudio:
			c.handleAudio(p)
		}

	case TypeEnd:
		c.handleEnd()

	case TypeKeepalive, TypeHello:
		// Nothing to do, any traffic resets the timeout.

	default:
		c.countInvalid()
	}
}

// trackSeq estimates packet loss from sequence number gaps. A late
// arrival takes back one previously counted loss.
func (c *Client) trackSeq(seq uint32) {
	if !c.haveSeq {
		c.haveSeq = true
		c.lastSeq = seq
		return
	}

	if seqBefore(c.lastSeq, seq) {
		if gap := seq - c.lastSeq - 1; gap > 0 {
			c.stats.add(&c.stats.packetsLost, uint64(gap))
		}
		c.lastSeq = seq
		return
	}

	c.stats.add(&c.stats.packetsStale, 1)
	if c.stats.snapshot().PacketsLost > 0 {
		c.stats.sub(&c.stats.packetsLost, 1)
	}
}

// Frame data arriving before synchronization is buffered so a late
// joiner doesn't lose the frame being transmitted.
const presyncBufferSize = 256

func (c *Client) buffer(p Packet) {
	if len(c.presync) >= presyncBufferSize {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}
	c.presync = append(c.presync, p)
}

func (c *Client) handleMetadata(p Packet) {
	if c.meta != nil {
		// Periodic connectionless re-send.
		return
	}

	meta, err := parseMetadata(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}
	c.meta = &meta

	if c.state == StateAwaitingMetadata && c.scfg == nil {
		c.state = StateAwaitingConfig
	}
	c.maybeSynced()
}

func (c *Client) handleConfig(p Packet) {
	if c.scfg != nil {
		return
	}

	scfg, err := parseStreamConfig(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}
	if err := scfg.Config.Validate(); err != nil {
		c.countInvalid()
		return
	}
	c.scfg = &scfg
	c.maybeSynced()
}

func (c *Client) maybeSynced() {
	if c.meta == nil || c.scfg == nil || c.state == StateStreaming {
		return
	}
	c.state = StateStreaming
	c.events = append(c.events, SyncedEvent{Metadata: *c.meta, Config: *c.scfg})

	c.logger.Info().Src("stream").Msgf("synchronized: %q %dx%d",
		c.meta.Title, c.scfg.Config.Width, c.scfg.Config.Height)

	// Replay data that arrived before synchronization.
	buffered := c.presync
	c.presync = nil
	for _, p := range buffered {
		c.dispatch(p)
	}
}

// loopRestart reports whether index being far below the last delivered
// frame means the server looped back to the start. Single frame
// streams never restart, a repeat of frame zero is just a duplicate.
func (c *Client) loopRestart(index uint32) bool {
	count := int64(c.scfg.Config.FrameCount)
	return count > 1 && c.lastDelivered-int64(index) >= count/2
}

// staleFrame drops frames at or below the last delivered index,
// resetting instead when the server looped.
func (c *Client) staleFrame(index uint32) bool {
	if int64(index) > c.lastDelivered {
		return false
	}
	if c.loopRestart(index) {
		c.lastDelivered = -1
		c.pending = nil
		return false
	}
	return true
}

func (c *Client) handleFrame(p Packet) {
	f, err := parseFrame(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}
	if c.staleFrame(f.Index) {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}
	if container.Checksum(f.Data) != f.Checksum {
		c.dropFrame(f.Index, "checksum mismatch")
		return
	}

	if c.pending != nil && c.pending.index < f.Index {
		c.finalizePending()
	}
	c.deliverStored(f.Index, f.Data, false)
}

func (c *Client) handleFrameChunk(p Packet) {
	f, err := parseFrameChunk(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}
	if c.staleFrame(f.Index) {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}

	if c.pending != nil && c.pending.index != f.Index {
		if c.pending.index > f.Index {
			// Chunk of a frame older than the one being assembled.
			c.stats.add(&c.stats.packetsStale, 1)
			return
		}
		c.finalizePending()
	}
	if c.pending == nil {
		c.pending = newAssembler(f.Index, int(f.ChunkCount),
			int(f.TotalLength), c.scfg.ChunkSize, c.scfg.FECGroupSize)
	}

	if c.pending.count != int(f.ChunkCount) ||
		c.pending.totalLength != int(f.TotalLength) {
		c.countInvalid()
		return
	}
	if !c.pending.addChunk(int(f.Chunk), f.Data) {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}
	c.tryCompletePending()
}

func (c *Client) handleParity(p Packet) {
	pp, err := parseParity(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}
	if c.pending == nil || c.pending.index != pp.Index {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}
	if int(pp.GroupSize) != c.pending.groupSize {
		c.countInvalid()
		return
	}
	if !c.pending.addParity(int(pp.Group), pp.Data) {
		c.stats.add(&c.stats.packetsStale, 1)
		return
	}
	c.tryCompletePending()
}

func (c *Client) handleAudio(p Packet) {
	a, err := parseAudioChunk(p.Payload)
	if err != nil {
		c.countInvalid()
		return
	}

	if c.audio == nil {
		c.audio = newAudioAssembler(int(a.ChunkCount), int(a.TotalLength))
	}
	if c.audio.count != int(a.ChunkCount) ||
		c.audio.totalLength != int(a.TotalLength) {
		c.countInvalid()
		return
	}

	track, done := c.audio.add(int(a.Chunk), a.Data)
	if done {
		c.logger.Debug().Src("stream").
			Msgf("audio track received: %d bytes", len(track))
		c.events = append(c.events, AudioEvent{Data: track})
	}
}

func (c *Client) handleEnd() {
	if c.pending != nil {
		c.finalizePending()
	}
	c.state = StateEnded
	c.events = append(c.events, EndEvent{})
}

// tryCompletePending delivers the frame being assembled once every
// chunk is present or recoverable.
func (c *Client) tryCompletePending() {
	stored, ok := c.pending.complete()
	if !ok {
		return
	}
	index := c.pending.index
	recovered := c.pending.recovered > 0
	c.pending = nil
	c.deliverStored(index, stored, recovered)
}

// finalizePending resolves the frame being assembled when a newer
// frame starts, recovering what parity allows.
func (c *Client) finalizePending() {
	pending := c.pending
	c.pending = nil

	stored, ok := pending.complete()
	if !ok {
		c.dropFrame(pending.index,
			fmt.Sprintf("%d of %d chunks", pending.have, pending.count))
		return
	}
	c.deliverStored(pending.index, stored, pending.recovered > 0)
}

// deliverStored decompresses a completed frame and queues its event.
func (c *Client) deliverStored(index uint32, stored []byte, recovered bool) {
	raw := stored
	if c.scfg.Config.Compression == container.CompressionZlib {
		var err error
		raw, err = container.DecompressFrame(stored, uint32(c.scfg.Config.FrameSize()))
		if err != nil {
			c.dropFrame(index, "decompress failed")
			return
		}
	} else if len(raw) != c.scfg.Config.FrameSize() {
		c.dropFrame(index, "size mismatch")
		return
	}

	c.lastDelivered = int64(index)
	c.stats.add(&c.stats.framesReceived, 1)
	c.metrics.framesReceived.Inc()
	if recovered {
		c.stats.add(&c.stats.framesRecovered, 1)
		c.metrics.framesRecovered.Inc()
	}
	c.events = append(c.events, FrameEvent{
		Index:     int(index),
		Data:      raw,
		Recovered: recovered,
	})
}

func (c *Client) dropFrame(index uint32, reason string) {
	c.stats.add(&c.stats.framesDropped, 1)
	c.metrics.framesDropped.Inc()
	c.logger.Debug().Src("stream").Msgf("dropped frame %d: %v", index, reason)
}

func (c *Client) countPacket(payloadLen int) {
	c.stats.add(&c.stats.packetsReceived, 1)
	c.stats.add(&c.stats.bytesReceived, uint64(packetHeaderSize+payloadLen))
	c.metrics.packetsReceived.Inc()
	c.metrics.bytesReceived.Add(float64(packetHeaderSize + payloadLen))
}

func (c *Client) countInvalid() {
	c.stats.add(&c.stats.packetsInvalid, 1)
}
