package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrNoSpeech is returned when the phrase timeout passes without any chunk above the threshold.
var ErrNoSpeech = errors.New("no speech detected")

// Endpointing controls how Listen decides where a phrase starts and ends.
type Endpointing struct {
	// Threshold is the normalized RMS level (0..1) that counts as speech.
	Threshold     float64
	PhraseTimeout time.Duration
	Silence       time.Duration
	MaxDuration   time.Duration
	// Preroll is the audio kept from before the phrase started.
	Preroll time.Duration
}

func DefaultEndpointing() Endpointing {
	return Endpointing{
		Threshold:     0.02,
		PhraseTimeout: 10 * time.Second,
		Silence:       800 * time.Millisecond,
		MaxDuration:   30 * time.Second,
		Preroll:       500 * time.Millisecond,
	}
}

// Listen reads one phrase from s and returns its PCM. The stream is stopped
// before Listen returns, whatever the outcome.
func Listen(ctx context.Context, s Stream, ep Endpointing) ([]byte, error) {
	defer s.Stop()

	bytesPerMilli := float64(s.SampleRate()*2) / 1000
	span := func(n int) time.Duration {
		return time.Duration(float64(n)/bytesPerMilli) * time.Millisecond
	}

	var (
		preroll   [][]byte
		phrase    []byte
		started   bool
		waited    time.Duration
		silentFor time.Duration
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-s.Chunks():
			if !ok {
				if started && len(phrase) > 0 {
					return phrase, nil
				}
				return nil, ErrNoSpeech
			}
			d := span(len(chunk))
			loud := RMS(chunk) >= ep.Threshold

			if !started {
				waited += d
				if !loud {
					preroll = append(preroll, chunk)
					for len(preroll) > 0 && span(totalLen(preroll)) > ep.Preroll {
						preroll = preroll[1:]
					}
					if ep.PhraseTimeout > 0 && waited >= ep.PhraseTimeout {
						return nil, ErrNoSpeech
					}
					continue
				}
				started = true
				for _, p := range preroll {
					phrase = append(phrase, p...)
				}
				preroll = nil
			}

			phrase = append(phrase, chunk...)
			if loud {
				silentFor = 0
			} else {
				silentFor += d
			}
			if silentFor >= ep.Silence {
				return phrase, nil
			}
			if ep.MaxDuration > 0 && span(len(phrase)) >= ep.MaxDuration {
				return phrase, nil
			}
		}
	}
}

// RMS returns the normalized root mean square of s16le samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func totalLen(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}
