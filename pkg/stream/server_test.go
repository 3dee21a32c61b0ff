package stream

import (
	"os"
	"path/filepath"
	"sanchez/pkg/container"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestContainer(
	t *testing.T,
	cfg container.BuildConfig,
	frames [][]byte,
) *container.Container {
	t.Helper()

	builder, err := container.NewBuilder(testStreamMeta, cfg)
	require.NoError(t, err)

	for _, frame := range frames {
		require.NoError(t, builder.AddFrame(frame))
	}

	path := filepath.Join(t.TempDir(), "test.sanchez")
	require.NoError(t, builder.WriteFile(path))

	c, err := container.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// newTestContainer returns a 2x2 container whose frames fit in a
// single packet.
func newTestContainer(t *testing.T, frameCount int) *container.Container {
	frames := make([][]byte, frameCount)
	for i := range frames {
		frames[i] = testRawFrame(byte(i * 16))
	}
	return writeTestContainer(t,
		container.BuildConfig{Width: 2, Height: 2, FPS: 10}, frames)
}

// newLargeFrameContainer returns a 20x20 container whose 1200 byte
// frames must be chunked at small chunk sizes.
func newLargeFrameContainer(t *testing.T, frameCount int) (*container.Container, [][]byte) {
	frames := make([][]byte, frameCount)
	for i := range frames {
		frame := make([]byte, 20*20*3)
		for j := range frame {
			frame[j] = byte(i + j)
		}
		frames[i] = frame
	}
	c := writeTestContainer(t,
		container.BuildConfig{Width: 20, Height: 20, FPS: 10}, frames)
	return c, frames
}

// recordConn collects written packets.
type recordConn struct {
	packets []Packet
}

func (r *recordConn) WritePacket(p Packet) error {
	r.packets = append(r.packets, p)
	return nil
}

func (r *recordConn) ReadPacket() (Packet, error)     { return Packet{}, timeoutError{} }
func (r *recordConn) SetReadDeadline(time.Time) error { return nil }
func (r *recordConn) Close() error                    { return nil }

func TestNewServerErrors(t *testing.T) {
	logger := newTestLogger(t)
	source := newTestContainer(t, 2)

	cases := map[string]ServerConfig{
		"noSource": {
			Mode: ModeTCP, Addr: "127.0.0.1:0", Logger: logger,
		},
		"emptyContainer": {
			Mode: ModeTCP, Addr: "127.0.0.1:0",
			Source: newTestContainer(t, 0), Logger: logger,
		},
		"noLogger": {
			Mode: ModeTCP, Addr: "127.0.0.1:0", Source: source,
		},
		"fecTooSmall": {
			Mode: ModeUDP, Addr: "127.0.0.1:0", Source: source,
			Logger: logger, FECGroupSize: 1,
		},
		"fecTooLarge": {
			Mode: ModeUDP, Addr: "127.0.0.1:0", Source: source,
			Logger: logger, FECGroupSize: 17,
		},
		"chunkTooSmall": {
			Mode: ModeUDP, Addr: "127.0.0.1:0", Source: source,
			Logger: logger, ChunkSize: 16,
		},
		"chunkTooLargeForDatagram": {
			Mode: ModeUDP, Addr: "127.0.0.1:0", Source: source,
			Logger: logger, ChunkSize: 70000,
		},
		"unknownMode": {
			Mode: Mode(9), Addr: "127.0.0.1:0", Source: source,
			Logger: logger,
		},
		"multicastUnicastAddr": {
			Mode: ModeMulticast, Addr: "127.0.0.1:9999", Source: source,
			Logger: logger,
		},
		"missingAudio": {
			Mode: ModeTCP, Addr: "127.0.0.1:0", Source: source,
			Logger: logger, AudioPath: filepath.Join(t.TempDir(), "missing.mp3"),
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			server, err := NewServer(cfg)
			require.Error(t, err)
			require.Nil(t, server)
		})
	}
}

func TestServerChunkSize(t *testing.T) {
	logger := newTestLogger(t)
	source := newTestContainer(t, 2)

	cases := []struct {
		name      string
		cfg       ServerConfig
		chunkSize int
		parity    bool
	}{
		{
			"tcp",
			ServerConfig{Mode: ModeTCP, Addr: "127.0.0.1:0"},
			TCPChunkSize, false,
		},
		{
			"tcpSatellite",
			ServerConfig{Mode: ModeTCP, Addr: "127.0.0.1:0", Satellite: true},
			TCPChunkSize, false,
		},
		{
			"udp",
			ServerConfig{Mode: ModeUDP, Addr: "127.0.0.1:0"},
			UDPChunkSize, false,
		},
		{
			"udpSatellite",
			ServerConfig{Mode: ModeUDP, Addr: "127.0.0.1:0", Satellite: true},
			SatelliteChunkSize, true,
		},
		{
			"multicastSatellite",
			ServerConfig{Mode: ModeMulticast, Addr: "239.255.10.1:9999", Satellite: true},
			SatelliteChunkSize, true,
		},
		{
			"override",
			ServerConfig{Mode: ModeUDP, Addr: "127.0.0.1:0", ChunkSize: 1000},
			1000, false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.Source = source
			cfg.Logger = logger

			server, err := NewServer(cfg)
			require.NoError(t, err)
			defer server.Close()

			require.Equal(t, tc.chunkSize, server.chunkSize)
			require.Equal(t, tc.parity, server.parity)
			require.Equal(t, DefaultFECGroupSize, server.groupSize)
		})
	}
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger(t)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server
}

func TestServerStreamConfig(t *testing.T) {
	t.Run("fpsOverride", func(t *testing.T) {
		server := newTestServer(t, ServerConfig{
			Mode:      ModeUDP,
			Addr:      "127.0.0.1:0",
			Source:    newTestContainer(t, 2),
			Satellite: true,
			FPS:       25,
		})

		cfg := server.streamConfig()
		require.Equal(t, float64(25), cfg.Config.FPS)
		require.True(t, cfg.Satellite)
		require.Equal(t, DefaultFECGroupSize, cfg.FECGroupSize)
		require.Equal(t, SatelliteChunkSize, cfg.ChunkSize)
	})
	t.Run("image", func(t *testing.T) {
		source := writeTestContainer(t,
			container.BuildConfig{Width: 2, Height: 2, IsImage: true},
			[][]byte{testRawFrame(1)})

		server := newTestServer(t, ServerConfig{
			Mode:   ModeUDP,
			Addr:   "127.0.0.1:0",
			Source: source,
		})

		// Images keep a zero frame rate, re-sends are paced at one
		// per second.
		require.Equal(t, float64(1), server.fps)
		require.Equal(t, float64(0), server.streamConfig().Config.FPS)
	})
}

func TestSendSync(t *testing.T) {
	server := newTestServer(t, ServerConfig{
		Mode:   ModeUDP,
		Addr:   "127.0.0.1:0",
		Source: newTestContainer(t, 2),
	})

	rc := &recordConn{}
	sn := &sender{srv: server, conn: rc}
	require.NoError(t, server.sendSync(sn))

	require.Equal(t, 2, len(rc.packets))
	require.Equal(t, TypeMetadata, rc.packets[0].Type)
	require.Equal(t, TypeConfig, rc.packets[1].Type)
	require.Equal(t, uint32(0), rc.packets[0].Seq)
	require.Equal(t, uint32(1), rc.packets[1].Seq)

	meta, err := parseMetadata(rc.packets[0].Payload)
	require.NoError(t, err)
	require.Equal(t, testStreamMeta, meta)

	cfg, err := parseStreamConfig(rc.packets[1].Payload)
	require.NoError(t, err)
	require.Equal(t, server.streamConfig(), cfg)
}

func TestSendFrame(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		source := newTestContainer(t, 2)
		server := newTestServer(t, ServerConfig{
			Mode:   ModeUDP,
			Addr:   "127.0.0.1:0",
			Source: source,
		})

		rc := &recordConn{}
		require.NoError(t, server.sendFrame(&sender{srv: server, conn: rc}, 1))

		require.Equal(t, 1, len(rc.packets))
		require.Equal(t, TypeFrame, rc.packets[0].Type)

		f, err := parseFrame(rc.packets[0].Payload)
		require.NoError(t, err)
		require.Equal(t, uint32(1), f.Index)
		require.Equal(t, container.Checksum(f.Data), f.Checksum)

		raw, err := source.ReadFrame(1)
		require.NoError(t, err)
		require.Equal(t, raw, f.Data)

		stats := server.Stats()
		require.Equal(t, uint64(1), stats.PacketsSent)
		require.Equal(t, uint64(1), stats.FramesSent)
	})
	t.Run("compressed", func(t *testing.T) {
		// Compressed sources stream the stored form untouched.
		source := writeTestContainer(t, container.BuildConfig{
			Width: 2, Height: 2, FPS: 10,
			Compression: container.CompressionZlib,
		}, [][]byte{testRawFrame(1)})

		server := newTestServer(t, ServerConfig{
			Mode:   ModeUDP,
			Addr:   "127.0.0.1:0",
			Source: source,
		})

		rc := &recordConn{}
		require.NoError(t, server.sendFrame(&sender{srv: server, conn: rc}, 0))

		stored, entry, err := source.ReadStoredFrame(0)
		require.NoError(t, err)

		f, err := parseFrame(rc.packets[0].Payload)
		require.NoError(t, err)
		require.Equal(t, stored, f.Data)
		require.Equal(t, entry.Checksum, f.Checksum)
	})
}

func TestSendChunked(t *testing.T) {
	source, frames := newLargeFrameContainer(t, 1)
	server := newTestServer(t, ServerConfig{
		Mode:         ModeUDP,
		Addr:         "127.0.0.1:0",
		Source:       source,
		Satellite:    true,
		FECGroupSize: 2,
		ChunkSize:    512,
	})

	rc := &recordConn{}
	require.NoError(t, server.sendFrame(&sender{srv: server, conn: rc}, 0))

	// 1200 bytes in 512 byte chunks, a parity packet after every
	// group of two and after the final short group.
	types := make([]PacketType, 0, len(rc.packets))
	for _, p := range rc.packets {
		types = append(types, p.Type)
	}
	require.Equal(t, []PacketType{
		TypeFrameChunk, TypeFrameChunk, TypeParity, TypeFrameChunk, TypeParity,
	}, types)

	chunk0, err := parseFrameChunk(rc.packets[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint16(3), chunk0.ChunkCount)
	require.Equal(t, uint32(1200), chunk0.TotalLength)
	require.Equal(t, frames[0][0:512], chunk0.Data)

	// Drop the second chunk and reassemble from parity.
	asm := newAssembler(0, 3, 1200, 512, 2)

	require.True(t, asm.addChunk(0, chunk0.Data))

	parity0, err := parseParity(rc.packets[2].Payload)
	require.NoError(t, err)
	require.Equal(t, uint16(0), parity0.Group)
	require.Equal(t, uint16(2), parity0.GroupSize)
	require.True(t, asm.addParity(0, parity0.Data))

	chunk2, err := parseFrameChunk(rc.packets[3].Payload)
	require.NoError(t, err)
	require.True(t, asm.addChunk(2, chunk2.Data))

	parity1, err := parseParity(rc.packets[4].Payload)
	require.NoError(t, err)
	require.True(t, asm.addParity(1, parity1.Data))

	stored, ok := asm.complete()
	require.True(t, ok)
	require.Equal(t, frames[0], stored)

	stats := server.Stats()
	require.Equal(t, uint64(5), stats.PacketsSent)
	require.Equal(t, uint64(1), stats.FramesSent)
	require.Equal(t, uint64(2), stats.ParitySent)
}

func TestSendAudio(t *testing.T) {
	audio := make([]byte, 1100)
	for i := range audio {
		audio[i] = byte(i)
	}
	audioPath := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(audioPath, audio, 0o600))

	server := newTestServer(t, ServerConfig{
		Mode:      ModeUDP,
		Addr:      "127.0.0.1:0",
		Source:    newTestContainer(t, 2),
		AudioPath: audioPath,
		ChunkSize: 512,
	})

	rc := &recordConn{}
	require.NoError(t, server.sendAudio(&sender{srv: server, conn: rc}))
	require.Equal(t, 3, len(rc.packets))

	var got []byte
	for i, p := range rc.packets {
		require.Equal(t, TypeAudio, p.Type)

		a, err := parseAudioChunk(p.Payload)
		require.NoError(t, err)
		require.Equal(t, uint32(i), a.Chunk)
		require.Equal(t, uint32(3), a.ChunkCount)
		require.Equal(t, uint32(1100), a.TotalLength)
		got = append(got, a.Data...)
	}
	require.Equal(t, audio, got)
}

func TestServerFinish(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		endSent bool
	}{
		{"tcp", ServerConfig{Mode: ModeTCP, Addr: "127.0.0.1:0"}, true},
		{"udp", ServerConfig{Mode: ModeUDP, Addr: "127.0.0.1:0"}, true},
		{"multicast", ServerConfig{Mode: ModeMulticast, Addr: "239.255.10.1:9999"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.Source = newTestContainer(t, 2)

			server := newTestServer(t, cfg)
			rc := &recordConn{}
			require.NoError(t, server.finish(&sender{srv: server, conn: rc}))

			if tc.endSent {
				require.Equal(t, 1, len(rc.packets))
				require.Equal(t, TypeEnd, rc.packets[0].Type)
			} else {
				require.Empty(t, rc.packets)
			}
		})
	}
}

func TestAwaitHello(t *testing.T) {
	server := newTestServer(t, ServerConfig{
		Mode:   ModeTCP,
		Addr:   "127.0.0.1:0",
		Source: newTestContainer(t, 2),
	})

	t.Run("ok", func(t *testing.T) {
		fc := newFakeConn()
		fc.in <- Packet{Type: TypeHello, Payload: marshalHello()}
		require.NoError(t, server.awaitHello(fc))
	})
	t.Run("wrongType", func(t *testing.T) {
		fc := newFakeConn()
		fc.in <- Packet{Type: TypeKeepalive}
		require.ErrorIs(t, server.awaitHello(fc), ErrInvalidPacket)
	})
	t.Run("badVersion", func(t *testing.T) {
		payload := marshalHello()
		payload[5] = 9

		fc := newFakeConn()
		fc.in <- Packet{Type: TypeHello, Payload: payload}
		require.ErrorIs(t, server.awaitHello(fc), ErrProtocolVersion)
	})
}

func TestValidHello(t *testing.T) {
	hello := Packet{Type: TypeHello, Payload: marshalHello()}
	require.True(t, validHello(hello.MarshalBinary()))

	keepalive := Packet{Type: TypeKeepalive}
	require.False(t, validHello(keepalive.MarshalBinary()))
	require.False(t, validHello([]byte("junk")))
}

func TestSenderIdle(t *testing.T) {
	server := newTestServer(t, ServerConfig{
		Mode:   ModeUDP,
		Addr:   "127.0.0.1:0",
		Source: newTestContainer(t, 1),
	})

	sn := &sender{srv: server, conn: &recordConn{}}
	require.True(t, sn.idle(time.Second))

	require.NoError(t, sn.send(TypeKeepalive, nil))
	require.False(t, sn.idle(time.Second))
}
