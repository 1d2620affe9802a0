// Package audio handles microphone discovery and PCM capture through PulseAudio.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	DefaultSampleRate = 16000
	chunkMillis       = 20
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	Available   bool
	Muted       bool
	Default     bool
}

// Stream is a running capture of signed 16-bit little-endian mono PCM.
type Stream interface {
	Chunks() <-chan []byte
	SampleRate() int
	// Stop releases the device. It is safe to call more than once.
	Stop() error
}

// Microphone opens capture streams on the configured Pulse source.
type Microphone struct {
	input      string
	fallback   string
	sampleRate int
}

func NewMicrophone(input, fallback string, sampleRate int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Microphone{input: input, fallback: fallback, sampleRate: sampleRate}
}

// Open selects a device and starts recording. The stream stops by itself when ctx ends.
func (m *Microphone) Open(ctx context.Context) (Stream, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := selectDeviceFromList(devices, m.input, m.fallback)
	if err != nil {
		return nil, err
	}
	return StartCapture(ctx, dev, m.sampleRate)
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("visionchat"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns the Pulse input sources.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, source := range infos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// selectDeviceFromList resolves the input and fallback preferences. "default"
// or an empty value means the Pulse default source.
func selectDeviceFromList(devices []Device, input, fallback string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errors.New("no audio input devices found")
	}
	input = strings.TrimSpace(strings.ToLower(input))
	fallback = strings.TrimSpace(strings.ToLower(fallback))

	find := func(term string) *Device {
		for i := range devices {
			if term == "" || term == "default" {
				if devices[i].Default {
					return &devices[i]
				}
				continue
			}
			if deviceMatches(devices[i], term) {
				return &devices[i]
			}
		}
		return nil
	}

	primary := find(input)
	if primary == nil {
		return Device{}, fmt.Errorf("audio input %q did not match any device", input)
	}
	if primary.Available && !primary.Muted {
		return *primary, nil
	}
	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}
	alt := find(fallback)
	if alt == nil || alt.ID == primary.ID {
		return Device{}, fmt.Errorf("audio input %q is %s and no usable fallback", primary.ID, reason)
	}
	if !alt.Available || alt.Muted {
		return Device{}, fmt.Errorf("audio input %q is %s and fallback %q is not usable", primary.ID, reason, alt.ID)
	}
	return *alt, nil
}

func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

// Capture streams fixed-size PCM chunks from one Pulse source.
type Capture struct {
	client     *pulse.Client
	stream     *pulse.RecordStream
	sampleRate int
	chunkSize  int
	chunks     chan []byte
	stopCh     chan struct{}

	mu       sync.Mutex
	pending  []byte
	stopped  bool
	inflight sync.WaitGroup
}

// StartCapture opens a mono s16 record stream on dev.
func StartCapture(ctx context.Context, dev Device, sampleRate int) (*Capture, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	source, err := client.SourceByID(dev.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", dev.ID, err)
	}

	c := &Capture{
		client:     client,
		sampleRate: sampleRate,
		chunkSize:  sampleRate * 2 * chunkMillis / 1000,
		chunks:     make(chan []byte, 128),
		stopCh:     make(chan struct{}),
	}
	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordBufferFragmentSize(uint32(c.chunkSize)),
		pulse.RecordMediaName("visionchat speech input"),
	)
	if err != nil {
		_ = c.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.stopCh:
		}
	}()
	return c, nil
}

func (c *Capture) Chunks() <-chan []byte { return c.chunks }

func (c *Capture) SampleRate() int { return c.sampleRate }

// Stop halts the stream, flushes residual PCM and closes Chunks exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(pending) > 0 {
		select {
		case c.chunks <- pending:
		default:
		}
	}
	close(c.chunks)
	return nil
}

func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.inflight.Add(1)
	c.pending = append(c.pending, buffer...)
	var ready [][]byte
	for len(c.pending) >= c.chunkSize {
		chunk := make([]byte, c.chunkSize)
		copy(chunk, c.pending[:c.chunkSize])
		c.pending = c.pending[c.chunkSize:]
		ready = append(ready, chunk)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	for _, chunk := range ready {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}
	return len(buffer), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

// sourceAvailable reports whether the active port is plugged in.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// unknown=0, no=1, yes=2
		return port.Available == 0 || port.Available == 2
	}
	return true
}
