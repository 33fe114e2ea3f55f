package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

const maxFrameBytes = 10 * 1024 * 1024

// Frame is one decoded video frame.
type Frame struct {
	Seq   int64
	At    time.Time
	Image image.Image
	JPEG  []byte
}

// FFmpegSource pulls frames from an RTSP, HTTP or file URL through an
// ffmpeg MJPEG pipe, scaled to Width at FPS frames per second.
type FFmpegSource struct {
	URL   string
	FPS   int
	Width int

	seq atomic.Int64
}

// Stream runs ffmpeg and calls fn for every decoded frame. It blocks until
// ctx is cancelled or the stream ends. A frame that fails to decode is
// skipped; an error from fn is logged and streaming continues.
func (s *FFmpegSource) Stream(ctx context.Context, fn func(Frame) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "url", s.URL, "output", scanner.Text())
		}
	}()

	err = readJPEGFrames(ctx, stdout, func(data []byte) error {
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			slog.Debug("skipping undecodable frame", "url", s.URL, "error", err)
			return nil
		}
		return fn(Frame{Seq: s.seq.Add(1), At: time.Now(), Image: img, JPEG: data})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read frames: %w", err)
	}
	return cmd.Wait()
}

func (s *FFmpegSource) args() []string {
	fps := s.FPS
	if fps <= 0 {
		fps = 10
	}
	args := []string{"-hide_banner", "-loglevel", "warning"}

	switch {
	case strings.HasPrefix(s.URL, "rtsp://"), strings.HasPrefix(s.URL, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", "5000000", // microseconds
		)
	case strings.HasPrefix(s.URL, "http://"), strings.HasPrefix(s.URL, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	default:
		args = append(args, "-re") // local file: play back in real time
	}

	scale := fmt.Sprintf("fps=%d", fps)
	if s.Width > 0 {
		scale += fmt.Sprintf(",scale=%d:-1", s.Width)
	}
	return append(args,
		"-i", s.URL,
		"-vf", scale,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "4",
		"pipe:1",
	)
}

// readJPEGFrames splits a stream of concatenated JPEG images. EOF before
// the first frame is tolerated for up to 5s while ffmpeg connects.
func readJPEGFrames(ctx context.Context, r io.Reader, fn func([]byte) error) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	frames := 0
	waited := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := skipToSOI(reader); err != nil {
			if err != io.EOF {
				return err
			}
			if frames == 0 && waited < 50 {
				waited++
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if frames > 0 {
				return nil
			}
			return fmt.Errorf("no frames received from ffmpeg after %.1fs", float64(waited)/10)
		}

		data, err := readToEOI(reader)
		if err != nil {
			if err == io.EOF && frames > 0 {
				return nil
			}
			return err
		}

		frames++
		if err := fn(data); err != nil {
			slog.Warn("frame handler error", "error", err)
		}
	}
}

// skipToSOI consumes bytes up to and including the FF D8 start marker.
func skipToSOI(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		if b, err = r.ReadByte(); err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

// readToEOI returns one image from SOI through the FF D9 end marker.
func readToEOI(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)
		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}
		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("jpeg frame exceeds %d bytes", maxFrameBytes)
		}
	}
}
