package video

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideo"
	kvstypes "github.com/aws/aws-sdk-go-v2/service/kinesisvideo/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideoarchivedmedia"
	kvamtypes "github.com/aws/aws-sdk-go-v2/service/kinesisvideoarchivedmedia/types"
)

// PlaybackURL is a time-limited HLS session URL for one stream
type PlaybackURL struct {
	URL        string
	StreamName string
	FetchedAt  time.Time
	Lifetime   time.Duration
}

// ExpiresSoon reports whether the URL is within margin of expiring
func (p PlaybackURL) ExpiresSoon(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(p.FetchedAt.Add(p.Lifetime))
}

// PlaybackClient acquires live playback URLs for named streams
type PlaybackClient interface {
	GetPlaybackURL(ctx context.Context, streamName string, sessionSeconds int) (PlaybackURL, error)
}

// kvsAPI is the slice of the Kinesis Video Streams control plane we use
type kvsAPI interface {
	GetDataEndpoint(ctx context.Context, params *kinesisvideo.GetDataEndpointInput, optFns ...func(*kinesisvideo.Options)) (*kinesisvideo.GetDataEndpointOutput, error)
}

// kvamAPI is the archived-media API that mints HLS session URLs
type kvamAPI interface {
	GetHLSStreamingSessionURL(ctx context.Context, params *kinesisvideoarchivedmedia.GetHLSStreamingSessionURLInput, optFns ...func(*kinesisvideoarchivedmedia.Options)) (*kinesisvideoarchivedmedia.GetHLSStreamingSessionURLOutput, error)
}

// KVSClient resolves playback URLs through the two-step Kinesis Video
// Streams flow: resolve the stream's data endpoint, then request an
// HLS streaming session URL from it.
type KVSClient struct {
	kvs    kvsAPI
	logger *slog.Logger

	// newArchivedMedia builds an archived-media client bound to a data
	// endpoint; injectable for tests
	newArchivedMedia func(endpoint string) kvamAPI
}

// NewKVSClient creates a playback client from shared AWS config
func NewKVSClient(cfg aws.Config, logger *slog.Logger) *KVSClient {
	return &KVSClient{
		kvs:    kinesisvideo.NewFromConfig(cfg),
		logger: logger,
		newArchivedMedia: func(endpoint string) kvamAPI {
			return kinesisvideoarchivedmedia.NewFromConfig(cfg, func(o *kinesisvideoarchivedmedia.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		},
	}
}

// GetPlaybackURL acquires a live HLS session URL for one stream
func (c *KVSClient) GetPlaybackURL(ctx context.Context, streamName string, sessionSeconds int) (PlaybackURL, error) {
	ep, err := c.kvs.GetDataEndpoint(ctx, &kinesisvideo.GetDataEndpointInput{
		StreamName: aws.String(streamName),
		APIName:    kvstypes.APINameGetHlsStreamingSessionUrl,
	})
	if err != nil {
		return PlaybackURL{}, fmt.Errorf("get data endpoint for %s: %w", streamName, err)
	}

	am := c.newArchivedMedia(aws.ToString(ep.DataEndpoint))

	expires := int32(sessionSeconds)
	out, err := am.GetHLSStreamingSessionURL(ctx, &kinesisvideoarchivedmedia.GetHLSStreamingSessionURLInput{
		StreamName:   aws.String(streamName),
		PlaybackMode: kvamtypes.HLSPlaybackModeLive,
		Expires:      &expires,
	})
	if err != nil {
		return PlaybackURL{}, fmt.Errorf("get HLS session URL for %s: %w", streamName, err)
	}

	url := PlaybackURL{
		URL:        aws.ToString(out.HLSStreamingSessionURL),
		StreamName: streamName,
		FetchedAt:  time.Now(),
		Lifetime:   time.Duration(sessionSeconds) * time.Second,
	}

	c.logger.Info("acquired playback URL",
		"stream_name", streamName,
		"session_seconds", sessionSeconds)

	return url, nil
}
