package video

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os/exec"
)

// FFmpegDecoder decodes media fragments by piping them through an
// external ffmpeg binary as an MJPEG stream. The decoder itself stays
// an external collaborator; this is only the process glue.
type FFmpegDecoder struct {
	path   string
	fps    int
	logger *slog.Logger
}

// NewFFmpegDecoder creates a decoder around the given binary path.
// fps > 0 asks ffmpeg to downsample during decode, which is far
// cheaper than decoding every frame and throwing most away.
func NewFFmpegDecoder(path string, fps int, logger *slog.Logger) *FFmpegDecoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegDecoder{path: path, fps: fps, logger: logger}
}

// Decode extracts frames from one fragment's bytes
func (d *FFmpegDecoder) Decode(ctx context.Context, fragment []byte) ([]Frame, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
	}
	if d.fps > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%d", d.fps))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "pipe:1")

	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Stdin = bytes.NewReader(fragment)

	var out bytes.Buffer
	var errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w (%s)", err, errBuf.String())
	}

	frames, err := splitMJPEG(out.Bytes())
	if err != nil {
		return nil, err
	}

	d.logger.Debug("fragment decoded", "bytes_in", len(fragment), "frames", len(frames))
	return frames, nil
}

// splitMJPEG splits a concatenated JPEG stream on SOI/EOI markers and
// decodes each image. Timestamps are left zero for the reader to stamp.
func splitMJPEG(data []byte) ([]Frame, error) {
	var frames []Frame

	for len(data) > 0 {
		start := bytes.Index(data, []byte{0xFF, 0xD8})
		if start < 0 {
			break
		}
		end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
		if end < 0 {
			break
		}
		end += start + 2 + 2

		img, err := jpeg.Decode(bytes.NewReader(data[start:end]))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame %d: %w", len(frames), err)
		}
		frames = append(frames, Frame{Image: img})

		data = data[end:]
	}

	return frames, nil
}
