// Package audio turns generated text into speech stored in S3.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("audio: narration is not configured")

// Speaker converts text into encoded audio.
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}

// objectPutter is the subset of the S3 client used here.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Narrator struct {
	speaker Speaker
	store   objectPutter
	bucket  string
	prefix  string
	log     zerolog.Logger
}

// NewNarrator returns a Narrator writing under prefix in bucket. An empty
// bucket yields a Narrator whose Narrate always returns ErrDisabled.
func NewNarrator(speaker Speaker, store objectPutter, bucket, prefix string, log zerolog.Logger) *Narrator {
	n := &Narrator{
		speaker: speaker,
		store:   store,
		bucket:  strings.TrimSpace(bucket),
		prefix:  strings.TrimLeft(prefix, "/"),
		log:     log.With().Str("component", "narrator").Logger(),
	}
	if n.bucket == "" || speaker == nil || store == nil {
		n.log.Warn().Msg("AUDIO_BUCKET is not set; deployment guides will have no narration")
		n.bucket = ""
	}
	return n
}

func (n *Narrator) Enabled() bool {
	return n != nil && n.bucket != ""
}

// Narrate speaks text and stores the MP3 under the conversation's folder.
// It returns an s3:// reference to the object.
func (n *Narrator) Narrate(ctx context.Context, conversationID, text string) (string, error) {
	if !n.Enabled() {
		return "", ErrDisabled
	}
	audio, err := n.speaker.Speak(ctx, text)
	if err != nil {
		return "", fmt.Errorf("audio: speak: %w", err)
	}

	key := n.prefix + conversationID + "/" + uuid.NewString() + ".mp3"
	_, err = n.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(n.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(audio),
		ContentLength: aws.Int64(int64(len(audio))),
		ContentType:   aws.String("audio/mpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("audio: put %s: %w", key, err)
	}
	n.log.Debug().Str("key", key).Int("bytes", len(audio)).Msg("stored narration")
	return "s3://" + n.bucket + "/" + key, nil
}
