package audio

import (
	"context"
	"io"
	"reflect"
	"testing"

	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"
)

func TestSelectDeviceFromListDefault(t *testing.T) {
	devices := []Device{
		{ID: "usb-mic", Description: "USB Microphone", Available: true, Default: true},
		{ID: "webcam", Description: "Webcam Audio", Available: true},
	}

	dev, err := selectDeviceFromList(devices, "default", "")
	require.NoError(t, err)
	require.Equal(t, "usb-mic", dev.ID)
}

func TestSelectDeviceFromListFallsBackWhenMuted(t *testing.T) {
	devices := []Device{
		{ID: "usb-mic", Description: "USB Microphone", Available: true, Muted: true, Default: true},
		{ID: "webcam", Description: "Webcam Audio", Available: true},
	}

	dev, err := selectDeviceFromList(devices, "default", "webcam")
	require.NoError(t, err)
	require.Equal(t, "webcam", dev.ID)
}

func TestSelectDeviceFromListErrors(t *testing.T) {
	_, err := selectDeviceFromList(nil, "default", "")
	require.Error(t, err)

	devices := []Device{{ID: "usb-mic", Description: "USB Microphone", Available: false, Default: true}}
	_, err = selectDeviceFromList(devices, "missing", "")
	require.ErrorContains(t, err, "did not match")

	_, err = selectDeviceFromList(devices, "default", "default")
	require.ErrorContains(t, err, "no usable fallback")
}

func TestDeviceMatchesByIDAndDescription(t *testing.T) {
	dev := Device{ID: "alsa_input.usb-blue", Description: "Blue Yeti Stereo"}
	require.True(t, deviceMatches(dev, "blue"))
	require.True(t, deviceMatches(dev, "yeti"))
	require.False(t, deviceMatches(dev, "missing"))
	require.False(t, deviceMatches(dev, ""))
}

func TestOpenFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/visionchat-missing-pulse-server")
	_, err := NewMicrophone("default", "", 0).Open(context.Background())
	require.Error(t, err)
}

type sourcePort struct {
	name      string
	available uint32
}

func setSourcePorts(t *testing.T, reply *pulseproto.GetSourceInfoReply, ports []sourcePort) {
	t.Helper()

	sliceType := reflect.TypeOf(reply.Ports)
	sliceValue := reflect.MakeSlice(sliceType, len(ports), len(ports))
	for i, port := range ports {
		item := sliceValue.Index(i)
		item.FieldByName("Name").SetString(port.name)
		item.FieldByName("Available").SetUint(uint64(port.available))
	}
	reflect.ValueOf(reply).Elem().FieldByName("Ports").Set(sliceValue)
}

func TestSourceAvailable(t *testing.T) {
	require.False(t, sourceAvailable(nil))
	require.True(t, sourceAvailable(&pulseproto.GetSourceInfoReply{}))

	plugged := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, plugged, []sourcePort{{name: "mic", available: 2}})
	require.True(t, sourceAvailable(plugged))

	unplugged := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, unplugged, []sourcePort{{name: "mic", available: 1}})
	require.False(t, sourceAvailable(unplugged))
}

func TestCaptureChunksAndFlushesOnStop(t *testing.T) {
	c := &Capture{
		chunkSize: 640,
		chunks:    make(chan []byte, 8),
		stopCh:    make(chan struct{}),
	}

	n, err := c.onPCM(make([]byte, 640+100))
	require.NoError(t, err)
	require.Equal(t, 740, n)

	first := <-c.Chunks()
	require.Len(t, first, 640)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	rest, ok := <-c.Chunks()
	require.True(t, ok)
	require.Len(t, rest, 100)
	_, ok = <-c.Chunks()
	require.False(t, ok)

	_, err = c.onPCM([]byte{1, 2})
	require.ErrorIs(t, err, io.EOF)
}
