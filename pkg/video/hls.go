package video

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// hlsPlaylist is the parsed slice of a media playlist we care about
type hlsPlaylist struct {
	mediaSequence  int64
	targetDuration time.Duration
	segments       []hlsSegment
}

// hlsSegment is one media segment reference
type hlsSegment struct {
	sequence int64
	uri      string
	// programDateTimeMs is 0 when the playlist carries no
	// EXT-X-PROGRAM-DATE-TIME tag
	programDateTimeMs int64
}

// HLSReader pulls media segments from an HLS session and hands them to
// the injected fragment decoder. The session URL points at a master
// playlist; the reader follows the first variant.
type HLSReader struct {
	client  *resty.Client
	decoder Decoder
	logger  *slog.Logger

	mediaURL *url.URL
	nextSeq  int64
	pending  []Frame
	wait     time.Duration
}

// NewHLSReader creates a reader over the given decoder
func NewHLSReader(decoder Decoder, logger *slog.Logger) *HLSReader {
	return &HLSReader{
		client: resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(0), // the source's state machine owns retries
		decoder: decoder,
		logger:  logger,
		wait:    time.Second,
	}
}

// Start resolves the session URL down to a media playlist. Pending
// frames from a previous session are kept so a URL refresh does not
// drop decoded frames.
func (r *HLSReader) Start(ctx context.Context, sessionURL string) error {
	base, err := url.Parse(sessionURL)
	if err != nil {
		return fmt.Errorf("parse session URL: %w", err)
	}

	body, err := r.fetch(ctx, sessionURL)
	if err != nil {
		return fmt.Errorf("fetch master playlist: %w", err)
	}

	variant := firstVariantURI(body)
	if variant == "" {
		// Some sessions serve the media playlist directly
		r.mediaURL = base
	} else {
		ref, err := url.Parse(variant)
		if err != nil {
			return fmt.Errorf("parse variant URI: %w", err)
		}
		r.mediaURL = base.ResolveReference(ref)
	}

	r.nextSeq = -1 // start from the playlist's live edge
	r.logger.Debug("HLS session started", "media_url_host", r.mediaURL.Host)
	return nil
}

// Stop clears the session. Buffered frames survive for a later Start.
func (r *HLSReader) Stop() {
	r.mediaURL = nil
}

// ReadFrame returns the next decoded frame, polling the playlist as
// needed. Returns an error on playlist/segment/decoder failures; the
// caller's state machine decides whether to reconnect.
func (r *HLSReader) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}

		if r.mediaURL == nil {
			return Frame{}, fmt.Errorf("HLS reader not started")
		}

		pl, err := r.fetchPlaylist(ctx)
		if err != nil {
			return Frame{}, err
		}

		fresh := r.selectNew(pl)
		if len(fresh) == 0 {
			// Live edge: wait half a target duration before re-polling
			delay := pl.targetDuration / 2
			if delay <= 0 {
				delay = r.wait
			}
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		for _, seg := range fresh {
			frames, err := r.decodeSegment(ctx, seg)
			if err != nil {
				return Frame{}, err
			}
			r.pending = append(r.pending, frames...)
			r.nextSeq = seg.sequence + 1
		}
	}
}

// selectNew returns segments at or after the reader's cursor. On the
// first poll only the newest segment is taken so processing starts at
// the live edge instead of the window's tail.
func (r *HLSReader) selectNew(pl hlsPlaylist) []hlsSegment {
	if len(pl.segments) == 0 {
		return nil
	}
	if r.nextSeq < 0 {
		return pl.segments[len(pl.segments)-1:]
	}
	var out []hlsSegment
	for _, s := range pl.segments {
		if s.sequence >= r.nextSeq {
			out = append(out, s)
		}
	}
	return out
}

// decodeSegment downloads one segment and decodes it, stamping frames
// that carry no container timestamp
func (r *HLSReader) decodeSegment(ctx context.Context, seg hlsSegment) ([]Frame, error) {
	ref, err := url.Parse(seg.uri)
	if err != nil {
		return nil, fmt.Errorf("parse segment URI: %w", err)
	}

	data, err := r.fetch(ctx, r.mediaURL.ResolveReference(ref).String())
	if err != nil {
		return nil, fmt.Errorf("fetch segment %d: %w", seg.sequence, err)
	}

	frames, err := r.decoder.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode segment %d: %w", seg.sequence, err)
	}

	base := seg.programDateTimeMs
	if base == 0 {
		base = time.Now().UnixMilli()
	}
	for i := range frames {
		if frames[i].TsMs == 0 {
			frames[i].TsMs = base + int64(i)
		}
	}

	r.logger.Debug("segment decoded",
		"sequence", seg.sequence,
		"bytes", len(data),
		"frames", len(frames))

	return frames, nil
}

func (r *HLSReader) fetchPlaylist(ctx context.Context) (hlsPlaylist, error) {
	body, err := r.fetch(ctx, r.mediaURL.String())
	if err != nil {
		return hlsPlaylist{}, fmt.Errorf("fetch media playlist: %w", err)
	}
	return parseMediaPlaylist(body), nil
}

func (r *HLSReader) fetch(ctx context.Context, u string) ([]byte, error) {
	resp, err := r.client.R().SetContext(ctx).Get(u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// firstVariantURI returns the first variant stream URI from a master
// playlist, or "" if none is present
func firstVariantURI(body []byte) string {
	lines := strings.Split(string(body), "\n")
	expectURI := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			expectURI = true
			continue
		}
		if expectURI && line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

// parseMediaPlaylist extracts the tags the reader needs. Unknown tags
// are skipped.
func parseMediaPlaylist(body []byte) hlsPlaylist {
	pl := hlsPlaylist{}

	seq := int64(0)
	var pdtMs int64

	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				pl.mediaSequence = v
				seq = v
			}

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				pl.targetDuration = time.Duration(v * float64(time.Second))
			}

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			ts := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				pdtMs = t.UnixMilli()
			}

		case line != "" && !strings.HasPrefix(line, "#"):
			pl.segments = append(pl.segments, hlsSegment{
				sequence:          seq,
				uri:               line,
				programDateTimeMs: pdtMs,
			})
			seq++
			pdtMs = 0
		}
	}

	return pl
}
