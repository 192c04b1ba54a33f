package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	mtu            = 1200
	videoClockRate = 90000
	audioClockRate = 48000
)

// frameReader yields one media frame and its duration per call, returning
// io.EOF at the end of the file.
type frameReader interface {
	next() ([]byte, time.Duration, error)
}

type ivfFrames struct {
	r        *ivfreader.IVFReader
	interval time.Duration
}

func openIVF(f io.Reader) (frameReader, error) {
	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	interval := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(int64(time.Second) * int64(header.TimebaseNumerator) / int64(header.TimebaseDenominator))
	}
	return &ivfFrames{r: r, interval: interval}, nil
}

func (v *ivfFrames) next() ([]byte, time.Duration, error) {
	frame, _, err := v.r.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return frame, v.interval, nil
}

type oggPages struct {
	r    *oggreader.OggReader
	last uint64
}

func openOgg(f io.Reader) (frameReader, error) {
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		return nil, err
	}
	return &oggPages{r: r}, nil
}

// next skips pages that carry no audio, such as the comment header.
func (o *oggPages) next() ([]byte, time.Duration, error) {
	for {
		page, header, err := o.r.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		if header.GranulePosition <= o.last {
			continue
		}
		samples := header.GranulePosition - o.last
		o.last = header.GranulePosition
		if samples > audioClockRate {
			samples = audioClockRate / 50
		}
		return page, time.Duration(samples) * time.Second / audioClockRate, nil
	}
}

// fileSource plays a media file in a loop as paced RTP packets.
type fileSource struct {
	path       string
	open       func(io.Reader) (frameReader, error)
	packetizer rtp.Packetizer
	clockRate  uint32

	file   *os.File
	frames frameReader
	queue  []*rtp.Packet
	due    time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newFileSource(path string, kind domain.Kind, ssrc uint32) (*fileSource, error) {
	s := &fileSource{path: path, closed: make(chan struct{})}
	switch kind {
	case domain.KindVideo:
		s.open = openIVF
		s.clockRate = videoClockRate
		s.packetizer = rtp.NewPacketizer(mtu, 96, ssrc, &codecs.VP8Payloader{EnablePictureID: true}, rtp.NewRandomSequencer(), videoClockRate)
	default:
		s.open = openOgg
		s.clockRate = audioClockRate
		s.packetizer = rtp.NewPacketizer(mtu, 111, ssrc, &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), audioClockRate)
	}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSource) rewind() error {
	if s.file != nil {
		_ = s.file.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	frames, err := s.open(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.file = f
	s.frames = frames
	return nil
}

// ReadRTP blocks until the next packet is due. It returns io.EOF once the
// source is closed.
func (s *fileSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	for len(s.queue) == 0 {
		if err := s.fill(); err != nil {
			_ = s.file.Close()
			return nil, nil, err
		}
	}
	pkt := s.queue[0]
	s.queue = s.queue[1:]
	return pkt, nil, nil
}

func (s *fileSource) fill() error {
	if wait := time.Until(s.due); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return io.EOF
		}
	}
	select {
	case <-s.closed:
		return io.EOF
	default:
	}

	frame, d, err := s.frames.next()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if err := s.rewind(); err != nil {
			return err
		}
		frame, d, err = s.frames.next()
	}
	if err != nil {
		return err
	}

	now := time.Now()
	if s.due.IsZero() || s.due.Before(now.Add(-time.Second)) {
		s.due = now
	}
	s.due = s.due.Add(d)
	samples := uint32(d.Seconds() * float64(s.clockRate))
	s.queue = append(s.queue, s.packetizer.Packetize(frame, samples)...)
	return nil
}

// Close unblocks ReadRTP. The file itself is closed by the reader.
func (s *fileSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
