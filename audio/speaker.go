// Package audio plays sound files on the default output device.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"

	"github.com/onnwee/soundbot/playback"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	defaultBuffer     = 100 * time.Millisecond
	resampleQuality   = 4
)

// Speaker is a playback.Sink mixing every clip into one output stream, so
// concurrent Play calls overlap.
type Speaker struct {
	SampleRate beep.SampleRate
	Buffer     time.Duration

	once    sync.Once
	initErr error
}

func NewSpeaker() *Speaker {
	return &Speaker{SampleRate: DefaultSampleRate, Buffer: defaultBuffer}
}

func (s *Speaker) init() error {
	s.once.Do(func() {
		if s.SampleRate == 0 {
			s.SampleRate = DefaultSampleRate
		}
		if s.Buffer <= 0 {
			s.Buffer = defaultBuffer
		}
		s.initErr = speaker.Init(s.SampleRate, s.SampleRate.N(s.Buffer))
		if s.initErr == nil {
			slog.Info("audio output initialized", slog.Int("sample_rate", int(s.SampleRate)), slog.String("component", "audio"))
		}
	})
	return s.initErr
}

// Play decodes path and blocks until it has been played or ctx is done.
func (s *Speaker) Play(ctx context.Context, path string) error {
	stream, format, err := decodeFile(path)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := s.init(); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}

	var src beep.Streamer = stream
	if format.SampleRate != s.SampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, s.SampleRate, stream)
	}
	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", playback.ErrDecodeFailure, filepath.Base(path), err)
	}
	return nil
}

func decodeFile(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("%w: open sound: %w", playback.ErrDecodeFailure, err)
	}
	var (
		stream beep.StreamSeekCloser
		format beep.Format
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		stream, format, err = mp3.Decode(f)
	case ".wav":
		stream, format, err = wav.Decode(f)
	default:
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: unsupported extension %q", playback.ErrDecodeFailure, ext)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: %s: %w", playback.ErrDecodeFailure, filepath.Base(path), err)
	}
	return stream, format, nil
}
