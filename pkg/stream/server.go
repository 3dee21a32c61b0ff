// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stream

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"sanchez/pkg/container"
	"sanchez/pkg/log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Chunk sizes per transport. Frames larger than the chunk size are
// split into numbered chunks. UDP chunks stay under the common 1500
// byte MTU, satellite chunks are smaller still so a bit error costs
// less data.
const (
	TCPChunkSize       = 256 * 1024
	UDPChunkSize       = 1400
	SatelliteChunkSize = 512
)

const (
	helloTimeout      = 10 * time.Second
	keepaliveInterval = 5 * time.Second
	syncInterval      = 2 * time.Second
)

// ServerConfig configures a stream server.
type ServerConfig struct {
	Mode Mode
	Addr string

	// Source is the container to stream.
	Source *container.Container

	// AudioPath is an optional companion audio file sent before the
	// frames.
	AudioPath string

	// Loop restarts from the first frame after the last.
	Loop bool

	// Satellite tunes the stream for high-loss one-way links, small
	// chunks plus parity packets. Parity is never sent over TCP.
	Satellite bool

	// FECGroupSize is the number of chunks covered by one parity
	// packet. Zero selects the default.
	FECGroupSize int

	// ChunkSize overrides the transport chunk size.
	ChunkSize int

	// FPS overrides the container frame rate for pacing.
	FPS float64

	Logger     *log.Logger
	Registerer prometheus.Registerer
}

// Server streams a container to one or more clients.
type Server struct {
	cfg       ServerConfig
	logger    *log.Logger
	chunkSize int
	groupSize int
	fps       float64
	parity    bool
	audio     []byte
	metrics   *serverMetrics
	stats     serverCounters

	listener net.Listener
	pconn    net.PacketConn
	dstAddr  net.Addr
	peer     atomic.Value

	closeOnce sync.Once
	closeErr  error
}

// NewServer validates the config and binds the transport.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("no source")
	}
	if cfg.Source.FrameCount() == 0 {
		return nil, fmt.Errorf("empty container")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("no logger")
	}

	groupSize := cfg.FECGroupSize
	if groupSize == 0 {
		groupSize = DefaultFECGroupSize
	}
	if groupSize < MinFECGroupSize || groupSize > MaxFECGroupSize {
		return nil, fmt.Errorf("fec group size out of range: %d", groupSize)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		switch {
		case cfg.Mode == ModeTCP:
			chunkSize = TCPChunkSize
		case cfg.Satellite:
			chunkSize = SatelliteChunkSize
		default:
			chunkSize = UDPChunkSize
		}
	}
	if chunkSize < 64 {
		return nil, fmt.Errorf("chunk size too small: %d", chunkSize)
	}
	if cfg.Mode != ModeTCP && chunkSize > 65000 {
		return nil, fmt.Errorf("chunk size too large for datagrams: %d", chunkSize)
	}

	fps := cfg.FPS
	if fps <= 0 {
		fps = cfg.Source.Config().FPS
	}
	if fps <= 0 {
		// Images have no frame rate, pace re-sends at one per second.
		fps = 1
	}

	var audio []byte
	if cfg.AudioPath != "" {
		var err error
		audio, err = os.ReadFile(cfg.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		chunkSize: chunkSize,
		groupSize: groupSize,
		fps:       fps,
		parity:    cfg.Satellite && cfg.Mode != ModeTCP,
		audio:     audio,
		metrics:   newServerMetrics(cfg.Registerer),
	}

	switch cfg.Mode {
	case ModeTCP:
		listener, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		s.listener = listener

	case ModeUDP:
		pconn, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		s.pconn = pconn

	case ModeMulticast:
		gaddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		if !gaddr.IP.IsMulticast() {
			return nil, fmt.Errorf("%v: not a multicast address", gaddr.IP)
		}
		pconn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, err
		}
		s.pconn = pconn
		s.dstAddr = gaddr

	case ModeBroadcast:
		baddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		pconn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, err
		}
		if err := enableBroadcast(pconn); err != nil {
			pconn.Close()
			return nil, fmt.Errorf("enable broadcast: %w", err)
		}
		s.pconn = pconn
		s.dstAddr = baddr

	default:
		return nil, fmt.Errorf("unknown mode: %v", cfg.Mode)
	}
	return s, nil
}

// Stats returns a snapshot of the send counters.
func (s *Server) Stats() ServerStats {
	return s.stats.snapshot()
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return s.pconn.LocalAddr()
}

// Close releases the transport. Serve calls it on return.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.closeErr = s.listener.Close()
		}
		if s.pconn != nil {
			s.closeErr = s.pconn.Close()
		}
	})
	return s.closeErr
}

// Serve streams until the context is canceled or, on datagram modes
// without looping, until the stream has been sent once.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()

	title := s.cfg.Source.Metadata().Title
	s.logger.Info().Src("stream").
		Msgf("serving %q over %v on %v", title, s.cfg.Mode, s.Addr())

	if s.cfg.Mode == ModeTCP {
		return s.serveTCP(ctx)
	}
	return s.serveDatagram(ctx)
}

func (s *Server) serveTCP(ctx context.Context) error {
	var wg sync.WaitGroup
	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})

	errGroup.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveSession(ctx, newTCPPacketConn(conn), conn.RemoteAddr())
			}()
		}
	})

	err := errGroup.Wait()
	wg.Wait()
	return err
}

func (s *Server) serveSession(ctx context.Context, conn PacketConn, peer net.Addr) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A stalled client can block writes indefinitely, closing the
	// conn unblocks them on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sessionID := uuid.NewString()[:8]
	s.metrics.sessions.Inc()
	atomic.AddUint64(&s.stats.sessions, 1)
	s.logger.Info().Src("stream").Session(sessionID).
		Msgf("client connected: %v", peer)

	if err := s.awaitHello(conn); err != nil {
		s.logger.Warn().Src("stream").Session(sessionID).
			Msgf("handshake: %v", err)
		return
	}

	sn := &sender{srv: s, conn: conn}
	if err := s.streamTo(ctx, sn); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Src("stream").Session(sessionID).
				Msgf("session: %v", err)
		}
		return
	}
	s.logger.Info().Src("stream").Session(sessionID).Msg("stream finished")
}

func (s *Server) awaitHello(conn PacketConn) error {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return err
	}
	p, err := conn.ReadPacket()
	if err != nil {
		return err
	}
	if p.Type != TypeHello {
		return fmt.Errorf("%w: expected hello, got %v", ErrInvalidPacket, p.Type)
	}
	return parseHello(p.Payload)
}

func (s *Server) serveDatagram(ctx context.Context) error {
	if s.cfg.Mode == ModeUDP {
		if ok, err := s.awaitPeer(ctx); err != nil || !ok {
			return err
		}
		go s.trackPeers(ctx)
	}

	s.metrics.sessions.Inc()
	atomic.AddUint64(&s.stats.sessions, 1)
	sn := &sender{srv: s, conn: newUDPPacketConn(s.pconn, s.dst)}

	if err := s.streamTo(ctx, sn); err != nil {
		return err
	}
	s.logger.Info().Src("stream").Msg("stream finished")
	return nil
}

func (s *Server) dst() net.Addr {
	if s.dstAddr != nil {
		return s.dstAddr
	}
	if addr, ok := s.peer.Load().(net.Addr); ok {
		return addr
	}
	return nil
}

// awaitPeer blocks until a client sends a valid hello datagram.
// Returns false if the context was canceled first.
func (s *Server) awaitPeer(ctx context.Context) (bool, error) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return false, nil
		}
		if err := s.pconn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return false, err
		}

		n, addr, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return false, err
		}

		if !validHello(buf[:n]) {
			s.logger.Debug().Src("stream").
				Msgf("ignoring datagram from %v", addr)
			continue
		}

		s.peer.Store(addr)
		s.logger.Info().Src("stream").Msgf("client registered: %v", addr)
		return true, nil
	}
}

// trackPeers keeps reading hello datagrams during streaming so the
// most recently greeted peer receives the stream.
func (s *Server) trackPeers(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.pconn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}

		n, addr, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		if !validHello(buf[:n]) {
			continue
		}

		prev, _ := s.peer.Load().(net.Addr)
		s.peer.Store(addr)
		if prev == nil || prev.String() != addr.String() {
			s.logger.Info().Src("stream").
				Msgf("client registered: %v", addr)
		}
	}
}

func validHello(data []byte) bool {
	p, err := UnmarshalPacket(data)
	if err != nil || p.Type != TypeHello {
		return false
	}
	return parseHello(p.Payload) == nil
}

// sender tracks the packet sequence counter for one session.
type sender struct {
	srv      *Server
	conn     PacketConn
	seq      uint32
	lastSend time.Time
}

func (sn *sender) send(t PacketType, payload []byte) error {
	p := Packet{Type: t, Seq: sn.seq, Payload: payload}
	sn.seq++

	if err := sn.conn.WritePacket(p); err != nil {
		return err
	}
	sn.lastSend = time.Now()
	sn.srv.metrics.packetsSent.Inc()
	sn.srv.metrics.bytesSent.Add(float64(packetHeaderSize + len(payload)))
	atomic.AddUint64(&sn.srv.stats.packetsSent, 1)
	atomic.AddUint64(&sn.srv.stats.bytesSent, uint64(packetHeaderSize+len(payload)))
	return nil
}

func (sn *sender) idle(d time.Duration) bool {
	return time.Since(sn.lastSend) >= d
}

// streamTo sends the synchronization packets, the audio track and then
// the frames paced at the frame rate.
func (s *Server) streamTo(ctx context.Context, sn *sender) error {
	if err := s.sendSync(sn); err != nil {
		return err
	}
	if err := s.sendAudio(sn); err != nil {
		return err
	}

	count := s.cfg.Source.FrameCount()

	// First frame goes out immediately.
	if err := s.sendFrame(sn, 0); err != nil {
		return err
	}
	if count == 1 && !s.cfg.Loop {
		return s.finish(sn)
	}
	i := 1 % count

	frameTicker := time.NewTicker(time.Duration(float64(time.Second) / s.fps))
	defer frameTicker.Stop()

	keepaliveTicker := time.NewTicker(keepaliveInterval)
	defer keepaliveTicker.Stop()

	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()
	if !s.cfg.Mode.Connectionless() {
		syncTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			// Tell unicast peers the stream is over. Best effort,
			// the transport may already be closed.
			_ = s.finish(sn)
			return nil

		case <-syncTicker.C:
			if err := s.sendSync(sn); err != nil {
				return err
			}

		case <-keepaliveTicker.C:
			if sn.idle(keepaliveInterval) {
				if err := sn.send(TypeKeepalive, nil); err != nil {
					return err
				}
			}

		case <-frameTicker.C:
			if err := s.sendFrame(sn, i); err != nil {
				return err
			}
			i++
			if i < count {
				continue
			}
			if !s.cfg.Loop {
				return s.finish(sn)
			}
			i = 0
			if s.cfg.Mode.Connectionless() {
				// Late joiners missed the audio track.
				if err := s.sendAudio(sn); err != nil {
					return err
				}
			}
		}
	}
}

// finish ends unicast streams with an end packet. Broadcast and
// multicast streams simply stop.
func (s *Server) finish(sn *sender) error {
	if s.cfg.Mode == ModeTCP || s.cfg.Mode == ModeUDP {
		return sn.send(TypeEnd, nil)
	}
	return nil
}

func (s *Server) sendSync(sn *sender) error {
	meta := s.cfg.Source.Metadata()
	if err := sn.send(TypeMetadata, meta.Marshal()); err != nil {
		return err
	}
	return sn.send(TypeConfig, s.streamConfig().Marshal())
}

func (s *Server) streamConfig() StreamConfig {
	cfg := s.cfg.Source.Config()
	if !cfg.IsImage {
		cfg.FPS = s.fps
	}
	return StreamConfig{
		Config:       cfg,
		Satellite:    s.cfg.Satellite,
		FECGroupSize: s.groupSize,
		ChunkSize:    s.chunkSize,
	}
}

func (s *Server) sendAudio(sn *sender) error {
	if len(s.audio) == 0 {
		return nil
	}

	chunkCount := (len(s.audio) + s.chunkSize - 1) / s.chunkSize
	for i := 0; i < chunkCount; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(s.audio) {
			end = len(s.audio)
		}

		payload := AudioChunkPayload{
			Chunk:       uint32(i),
			ChunkCount:  uint32(chunkCount),
			TotalLength: uint32(len(s.audio)),
			Data:        s.audio[start:end],
		}
		if err := sn.send(TypeAudio, payload.Marshal()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) sendFrame(sn *sender, i int) error {
	stored, entry, err := s.cfg.Source.ReadStoredFrame(i)
	if err != nil {
		return fmt.Errorf("read frame %d: %w", i, err)
	}

	if len(stored) <= s.chunkSize {
		payload := FramePayload{
			Index:    uint32(i),
			Checksum: entry.Checksum,
			Data:     stored,
		}
		if err := sn.send(TypeFrame, payload.Marshal()); err != nil {
			return err
		}
		s.metrics.framesSent.Inc()
		atomic.AddUint64(&s.stats.framesSent, 1)
		return nil
	}
	return s.sendChunked(sn, uint32(i), stored)
}

func (s *Server) sendChunked(sn *sender, index uint32, stored []byte) error {
	chunkCount := (len(stored) + s.chunkSize - 1) / s.chunkSize
	if chunkCount > math.MaxUint16 {
		return fmt.Errorf("frame %d too large: %d chunks", index, chunkCount)
	}

	var group [][]byte
	groupIndex := 0

	for i := 0; i < chunkCount; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(stored) {
			end = len(stored)
		}
		chunk := stored[start:end]

		payload := FrameChunkPayload{
			Index:       index,
			Chunk:       uint16(i),
			ChunkCount:  uint16(chunkCount),
			TotalLength: uint32(len(stored)),
			Data:        chunk,
		}
		if err := sn.send(TypeFrameChunk, payload.Marshal()); err != nil {
			return err
		}

		if !s.parity {
			continue
		}
		group = append(group, chunk)
		if len(group) == s.groupSize || i == chunkCount-1 {
			parity := ParityPayload{
				Index:     index,
				Group:     uint16(groupIndex),
				GroupSize: uint16(s.groupSize),
				Data:      xorParity(group),
			}
			if err := sn.send(TypeParity, parity.Marshal()); err != nil {
				return err
			}
			s.metrics.paritySent.Inc()
			atomic.AddUint64(&s.stats.paritySent, 1)
			group = group[:0]
			groupIndex++
		}
	}
	s.metrics.framesSent.Inc()
	atomic.AddUint64(&s.stats.framesSent, 1)
	return nil
}
