// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sanchez

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sanchez/pkg/container"
	"sanchez/pkg/decoder"
	"sanchez/pkg/encoder"
	"sanchez/pkg/log"
	"sanchez/pkg/player"
	"sanchez/pkg/storage"
	"sanchez/pkg/stream"
	"sanchez/pkg/system"
	"sanchez/pkg/web"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const usage = `Usage: sanchez [--env FILE] COMMAND [OPTIONS]

Commands:
  encode   Convert a video or image into a sanchez file
  decode   Export frames or video from a sanchez file
  info     Print details about a sanchez file
  play     Play a sanchez file
  serve    Stream a sanchez file
  receive  Receive a stream and play or record it

Run 'sanchez COMMAND -h' to list command options.
`

func printUsage() {
	fmt.Fprint(os.Stderr, usage)
}

type runFunc func(ctx context.Context, a *app, args []string) error

var commands = map[string]runFunc{
	"encode":  runEncode,
	"decode":  runDecode,
	"info":    runInfo,
	"play":    runPlay,
	"serve":   runServe,
	"receive": runReceive,
}

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return nil
	}

	run, exist := commands[args[0]]
	if !exist {
		printUsage()
		return fmt.Errorf("unknown command: %v", args[0])
	}

	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.NewLogger(wg)
	logger.Start(ctx)
	go logger.LogToStdout(ctx)
	time.Sleep(10 * time.Millisecond)

	a, err := newApp(ctx, *envFlag, wg, logger)
	if err != nil {
		return err
	}

	fatal := make(chan error, 1)
	go func() { fatal <- run(ctx, a, args[1:]) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		if err != nil {
			logger.Info().Src("app").Msgf("fatal error: %v", err)
		}
	case signal := <-stop:
		logger.Info().Msg("") // New line.
		logger.Info().Src("app").Msgf("received %v, stopping", signal)
		cancel()

		// The command error is discarded when shutdown was requested.
		<-fatal
	}

	cancel()
	wg.Wait()
	return err
}

// app holds state shared by the commands.
type app struct {
	logger *log.Logger
	env    *storage.ConfigEnv

	// envConfigured is set when --env was given. Captures are only
	// managed when the storage location was configured explicitly.
	envConfigured bool

	logDB    *log.DB
	registry *prometheus.Registry
}

func newApp(ctx context.Context, envFlag string, wg *sync.WaitGroup, logger *log.Logger) (*app, error) {
	registry := prometheus.NewRegistry()

	if envFlag == "" {
		return &app{
			logger:   logger,
			env:      defaultEnv(),
			registry: registry,
		}, nil
	}

	envPath, err := filepath.Abs(envFlag)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}
	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}
	if err := env.PrepareEnvironment(); err != nil {
		return nil, fmt.Errorf("could not prepare environment: %w", err)
	}

	logDB := log.NewDB(filepath.Join(env.LogDir(), "logs.db"), wg)
	if err := logDB.Init(ctx); err != nil {
		// Continue even if the log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
		logDB = nil
	} else {
		go logDB.SaveLogs(ctx, logger)
		time.Sleep(10 * time.Millisecond)
	}

	return &app{
		logger:        logger,
		env:           env,
		envConfigured: true,
		logDB:         logDB,
		registry:      registry,
	}, nil
}

// defaultEnv is used when no --env was given. Captures land in the
// working directory and nothing is purged.
func defaultEnv() *storage.ConfigEnv {
	return &storage.ConfigEnv{
		Port:         9999,
		FFmpegBin:    "/usr/bin/ffmpeg",
		FFprobeBin:   "/usr/bin/ffprobe",
		FFplayBin:    "/usr/bin/ffplay",
		MaxDiskUsage: 95,
		StorageDir:   filepath.Join(os.TempDir(), "sanchez", "storage"),
		TempDir:      filepath.Join(os.TempDir(), "sanchez"),
	}
}

func runEncode(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("encode", flag.ExitOnError)
	title := flags.String("t", "", "container title, defaults to the source file name")
	creator := flags.String("c", "cbx", "container creator")
	resize := flags.String("r", "", "resize stored frames, WIDTHxHEIGHT")
	maxFrames := flags.Int("m", 0, "limit the number of stored frames")
	noCompression := flags.Bool("no-compression", false, "store frames uncompressed")
	noAudio := flags.Bool("no-audio", false, "skip audio track extraction")
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 2 {
		return fmt.Errorf("usage: sanchez encode [OPTIONS] SRC DST")
	}
	src := flags.Arg(0)
	dst := flags.Arg(1)

	var resizeWidth, resizeHeight int
	if *resize != "" {
		var err error
		resizeWidth, resizeHeight, err = parseSize(*resize)
		if err != nil {
			return err
		}
	}

	if *title == "" {
		base := filepath.Base(src)
		*title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	enc := encoder.NewEncoder(a.env.FFmpegBin, a.logger)
	summary, err := enc.Encode(ctx, src, dst, encoder.Options{
		Title:        *title,
		Creator:      *creator,
		ResizeWidth:  resizeWidth,
		ResizeHeight: resizeHeight,
		MaxFrames:    *maxFrames,
		Compress:     !*noCompression,
		ExtractAudio: !*noAudio,
	})
	if err != nil {
		return err
	}

	if summary.AudioPath != "" {
		a.logger.Info().Src("app").Msgf("wrote audio track: %v", summary.AudioPath)
	}
	return nil
}

func runDecode(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("decode", flag.ExitOnError)
	output := flags.String("o", "", "output path, derived from the source when empty")
	frame := flags.Int("f", -1, "export a single frame")
	frameList := flags.String("frames", "", "export the listed frames, comma separated")
	format := flags.String("format", "png", "frame image format")
	resize := flags.String("r", "", "resize the output, WIDTHxHEIGHT")
	audio := flags.String("a", "", "audio file to mux, defaults to the companion mp3")
	skipCorrupt := flags.Bool("skip-corrupt", false, "continue frame exports past corrupt frames")
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: sanchez decode [OPTIONS] SRC")
	}
	src := flags.Arg(0)

	opts := decoder.Options{SkipCorrupt: *skipCorrupt}
	if *resize != "" {
		var err error
		opts.ResizeWidth, opts.ResizeHeight, err = parseSize(*resize)
		if err != nil {
			return err
		}
	}

	c, err := container.OpenFile(src)
	if err != nil {
		return err
	}
	defer c.Close()

	dec := decoder.NewDecoder(a.env.FFmpegBin, a.logger)
	base := strings.TrimSuffix(src, filepath.Ext(src))

	switch {
	case *frame >= 0:
		dst := *output
		if dst == "" {
			dst = fmt.Sprintf("frame_%06d.%v", *frame, *format)
		}
		return dec.ExportFrame(ctx, c, dst, *frame, opts)

	case *frameList != "":
		frames, err := parseFrameList(*frameList)
		if err != nil {
			return err
		}
		dir := *output
		if dir == "" {
			dir = base + "_frames"
		}
		return dec.ExportFrames(ctx, c, dir, *format, frames, opts)

	case c.Config().IsImage:
		dst := *output
		if dst == "" {
			dst = base + "." + *format
		}
		return dec.ExportFrame(ctx, c, dst, 0, opts)

	default:
		dst := *output
		if dst == "" {
			dst = base + ".mp4"
		}
		audioPath := *audio
		if audioPath == "" {
			audioPath = siblingAudio(src)
		}
		return dec.ExportVideo(ctx, c, dst, audioPath, opts)
	}
}

func runInfo(_ context.Context, _ *app, args []string) error {
	flags := flag.NewFlagSet("info", flag.ExitOnError)
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: sanchez info FILE")
	}

	c, err := container.OpenFile(flags.Arg(0))
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Print(decoder.Info(c))
	return nil
}

func runPlay(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("play", flag.ExitOnError)
	scale := flags.Float64("s", 0, "scale the window")
	startFrame := flags.Int("start-frame", 0, "start playback at frame")
	fullscreen := flags.Bool("fullscreen", false, "play fullscreen")
	audio := flags.String("a", "", "audio file to play, defaults to the companion mp3")
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: sanchez play [OPTIONS] FILE")
	}
	src := flags.Arg(0)

	c, err := container.OpenFile(src)
	if err != nil {
		return err
	}
	defer c.Close()

	audioPath := *audio
	if audioPath == "" {
		audioPath = siblingAudio(src)
	}

	p := player.New(a.env.FFplayBin)
	return p.Play(ctx, c, player.PlayOptions{
		Scale:      *scale,
		Fullscreen: *fullscreen,
		StartFrame: *startFrame,
		AudioPath:  audioPath,
		LogFunc: func(msg string) {
			a.logger.Debug().Src("player").Msg(msg)
		},
	})
}

func runServe(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	host := flags.String("H", "0.0.0.0", "listen or destination host")
	port := flags.Int("p", 0, "port, defaults to the env port")
	modeName := flags.String("m", "tcp", "transport mode: tcp, udp, multicast or broadcast")
	loop := flags.Bool("loop", false, "restart from the first frame after the last")
	satellite := flags.Bool("satellite", false, "tune for high-loss one-way links")
	fecGroupSize := flags.Int("fec-group-size", 0, "chunks covered by one parity packet")
	statusAddr := flags.String("status-addr", "", "serve the status API on this address")
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: sanchez serve [OPTIONS] FILE")
	}
	src := flags.Arg(0)

	mode, err := stream.ParseMode(*modeName)
	if err != nil {
		return err
	}
	if *port == 0 {
		*port = a.env.Port
	}

	c, err := container.OpenFile(src)
	if err != nil {
		return err
	}
	defer c.Close()

	server, err := stream.NewServer(stream.ServerConfig{
		Mode:         mode,
		Addr:         net.JoinHostPort(*host, strconv.Itoa(*port)),
		Source:       c,
		AudioPath:    siblingAudio(src),
		Loop:         *loop,
		Satellite:    *satellite,
		FECGroupSize: *fecGroupSize,
		Logger:       a.logger,
		Registerer:   a.registry,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	addr := *statusAddr
	if addr == "" {
		addr = a.env.StatusAddr
	}
	if addr != "" {
		stop, err := a.startStatusServer(ctx, addr, server.Stats)
		if err != nil {
			return err
		}
		defer stop()
	}

	a.logger.Info().Src("app").
		Msgf("serving %v over %v on %v", filepath.Base(src), mode, server.Addr())
	return server.Serve(ctx)
}

func runReceive(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("receive", flag.ExitOnError)
	port := flags.Int("p", 0, "port, defaults to the env port")
	modeName := flags.String("m", "tcp", "transport mode: tcp, udp, multicast or broadcast")
	record := flags.Bool("record", false, "capture the stream instead of playing it")
	prefix := flags.String("o", "", "capture name prefix, implies --record")
	scale := flags.Float64("s", 0, "scale the window")
	fullscreen := flags.Bool("fullscreen", false, "play fullscreen")
	timeout := flags.Duration("timeout", stream.DefaultTimeout,
		"end the session when no packet arrives within this duration")
	flags.Parse(args) //nolint:errcheck

	if flags.NArg() < 1 {
		return fmt.Errorf("usage: sanchez receive [OPTIONS] HOST")
	}
	host := flags.Arg(0)

	mode, err := stream.ParseMode(*modeName)
	if err != nil {
		return err
	}
	if *port == 0 {
		*port = a.env.Port
	}

	client := stream.NewClient(stream.ClientConfig{
		Mode:       mode,
		Addr:       net.JoinHostPort(host, strconv.Itoa(*port)),
		Timeout:    *timeout,
		Logger:     a.logger,
		Registerer: a.registry,
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if *record || *prefix != "" {
		return a.recordStream(ctx, client, *prefix)
	}

	p := player.New(a.env.FFplayBin)
	err = p.PlayStream(ctx, client, player.PlayOptions{
		Scale:      *scale,
		Fullscreen: *fullscreen,
		LogFunc: func(msg string) {
			a.logger.Debug().Src("player").Msg(msg)
		},
	})
	logStats(a.logger, client.Stats())
	return err
}

// recordStream captures the stream into a sanchez file. A partial
// capture is still written when the session ends abnormally.
func (a *app) recordStream(ctx context.Context, client *stream.Client, prefix string) error {
	if prefix == "" {
		prefix = "capture"
	}

	var path string
	if a.envConfigured {
		manager := storage.NewManager(a.env, a.logger)
		go manager.PurgeLoop(ctx, 10*time.Minute)
		path = manager.NewCapturePath(prefix, time.Now()) + ".sanchez"
	} else {
		path = time.Now().Format("2006-01-02_15-04-05") + "_" + prefix + ".sanchez"
	}

	recorder := stream.NewRecorder(path)
	var recvErr error
	for {
		ev, err := client.Recv(ctx)
		if err != nil {
			recvErr = err
			break
		}
		if err := recorder.HandleEvent(ev); err != nil {
			return err
		}
		if _, ok := ev.(stream.EndEvent); ok {
			break
		}
	}

	logStats(a.logger, client.Stats())

	if recorder.FrameCount() == 0 {
		if recvErr != nil {
			return recvErr
		}
		return fmt.Errorf("no frames captured")
	}

	audioPath, err := recorder.Close()
	if err != nil {
		return err
	}
	a.logger.Info().Src("app").Msgf("wrote %v: %v frames", path, recorder.FrameCount())
	if audioPath != "" {
		a.logger.Info().Src("app").Msgf("wrote audio track: %v", audioPath)
	}

	if recvErr != nil &&
		!errors.Is(recvErr, stream.ErrSessionEnded) &&
		!errors.Is(recvErr, context.Canceled) {
		return recvErr
	}
	return nil
}

func logStats(logger *log.Logger, stats stream.Stats) {
	logger.Info().Src("app").Msgf(
		"session stats: %v packets, %v bytes, %v frames, %v recovered, %v dropped, %v lost packets",
		stats.PacketsReceived, stats.BytesReceived, stats.FramesReceived,
		stats.FramesRecovered, stats.FramesDropped, stats.PacketsLost)
}

// startStatusServer serves the status API on addr. The returned stop
// function blocks until the server has shut down.
func (a *app) startStatusServer(
	ctx context.Context,
	addr string,
	streamStats func() stream.ServerStats,
) (func(), error) {
	manager := storage.NewManager(a.env, a.logger)
	if err := os.MkdirAll(manager.CapturesDir(), 0o700); err != nil {
		return nil, err
	}

	sys := system.New(func() (storage.DiskUsage, error) {
		return manager.DiskUsage(10 * time.Minute)
	}, a.logger)
	go sys.StatusLoop(ctx)

	var auth *web.Auth
	protect := func(h http.Handler) http.Handler { return h }
	if a.env.StatusUser != "" {
		auth = web.NewAuth(a.env.StatusUser, []byte(a.env.StatusPassHash), a.logger)
		protect = auth.Block
	}

	mux := http.NewServeMux()
	mux.Handle("/api/status", protect(web.Status(sys.Status)))
	mux.Handle("/api/captures", protect(web.Captures(manager)))
	if a.logDB != nil {
		mux.Handle("/api/log/query", protect(web.LogQuery(a.logDB)))
	}
	mux.Handle("/api/log/feed", protect(web.LogFeed(a.logger, auth)))
	if streamStats != nil {
		mux.Handle("/api/stream/feed", protect(web.StreamFeed(streamStats, auth)))
	}
	mux.Handle("/metrics", protect(web.Metrics(a.registry)))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Src("app").Msgf("status server: %v", err)
		}
	}()

	a.logger.Info().Src("app").Msgf("serving status API on %v", addr)

	stop := func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		server.Shutdown(ctx2) //nolint:errcheck
	}
	return stop, nil
}

// parseSize parses a WIDTHxHEIGHT string.
func parseSize(size string) (int, int, error) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size: %v", size)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size: %v", size)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size: %v", size)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid size: %v", size)
	}
	return width, height, nil
}

// parseFrameList parses a comma separated list of frame indexes.
func parseFrameList(list string) ([]int, error) {
	var frames []int
	for _, part := range strings.Split(list, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid frame list: %v %w", list, err)
		}
		if i < 0 {
			return nil, fmt.Errorf("negative frame index: %v", i)
		}
		frames = append(frames, i)
	}
	return frames, nil
}

// siblingAudio returns the companion audio path if the file exists.
func siblingAudio(path string) string {
	audioPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".mp3"
	if _, err := os.Stat(audioPath); err != nil {
		return ""
	}
	return audioPath
}
