package main

import (
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"voicecraft/internal/codec"
	"voicecraft/internal/session"
)

// audioEngine owns the capture/playback PortAudio streams and pumps PCM
// to/from a session.Endpoint. Adapted from client/audio.go's
// captureLoop/playbackLoop shape, simplified from the teacher's float32
// buffers to the int16 PCM internal/session and internal/codec use.
type audioEngine struct {
	capture  *portaudio.Stream
	playback *portaudio.Stream

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// startAudioEngine opens the capture/playback devices (by index, or the
// system default when idx < 0, per client/audio.go's resolveDevice) and
// starts pumping frames through ep.
func startAudioEngine(ep *session.Endpoint, inputDeviceID, outputDeviceID int) (*audioEngine, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	inputDev, err := resolveDevice(devices, inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, err
	}
	outputDev, err := resolveDevice(devices, outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, err
	}

	captureBuf := make([]int16, codec.FrameSamples)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: codec.Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      codec.SampleRate,
		FramesPerBuffer: codec.FrameSamples,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return nil, err
	}

	playbackBuf := make([]int16, codec.FrameSamples)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: codec.Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      codec.SampleRate,
		FramesPerBuffer: codec.FrameSamples,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return nil, err
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return nil, err
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return nil, err
	}

	ae := &audioEngine{
		capture:  captureStream,
		playback: playbackStream,
		stopCh:   make(chan struct{}),
	}
	ae.wg.Add(2)
	go func() { defer ae.wg.Done(); ae.captureLoop(ep, captureBuf) }()
	go func() { defer ae.wg.Done(); ae.playbackLoop(ep, playbackBuf) }()

	log.Printf("[audio] started capture=%s playback=%s", inputDev.Name, outputDev.Name)
	return ae, nil
}

func (ae *audioEngine) captureLoop(ep *session.Endpoint, buf []int16) {
	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}
		if err := ae.capture.Read(); err != nil {
			log.Printf("[audio] capture read: %v", err)
			continue
		}
		if err := ep.WriteAudio(buf, time.Now().UnixMilli()); err != nil {
			log.Printf("[audio] write audio: %v", err)
		}
	}
}

func (ae *audioEngine) playbackLoop(ep *session.Endpoint, buf []int16) {
	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}
		ep.ReadAudio(buf)
		if err := ae.playback.Write(); err != nil {
			log.Printf("[audio] playback write: %v", err)
		}
	}
}

func (ae *audioEngine) Close() {
	close(ae.stopCh)
	ae.wg.Wait()
	ae.capture.Stop()
	ae.capture.Close()
	ae.playback.Stop()
	ae.playback.Close()
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}
