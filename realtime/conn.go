package realtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	signalingTimeout = 15 * time.Second
	dataChannelName  = "events"
)

// ConnState is the transport connection state surfaced to the session layer.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// AudioSource supplies encoded audio frames from local capture. ReadFrame
// blocks until a frame is available and returns io.EOF when capture ends.
type AudioSource interface {
	ReadFrame() (data []byte, duration time.Duration, err error)
}

// Conn manages one realtime transport: a peer connection with a single
// outbound audio track and a single bidirectional event data channel,
// established via an HTTP offer/answer exchange authenticated with a
// short-lived credential.
type Conn struct {
	signalingURL string
	source       AudioSource
	buffer       *FrameBuffer

	// Callbacks for the session layer. Set before Connect.
	OnEvent func(Event)
	OnState func(ConnState)
	OnError func(err error)

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	dc    *webrtc.DataChannel

	captureOn atomic.Bool
	open      atomic.Bool

	httpClient *http.Client

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn creates a transport manager. maxBuffer bounds the bytes of audio
// held while signaling is still in flight.
func NewConn(signalingURL string, source AudioSource, maxBuffer int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		signalingURL: signalingURL,
		source:       source,
		buffer:       NewFrameBuffer(maxBuffer),
		httpClient:   &http.Client{Timeout: signalingTimeout},
		ctx:          ctx,
		cancel:       cancel,
	}
	c.captureOn.Store(true)
	return c
}

// Connect performs the offer/answer exchange and opens the audio track and
// event channel. The token is the short-lived credential from the backend.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	c.mu.Unlock()

	c.emitState(StateConnecting)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "microphone",
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelName, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create event channel: %w", err)
	}

	dc.OnOpen(func() {
		c.open.Store(true)
		c.emitState(StateOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := Decode(msg.Data)
		if err != nil {
			log.Printf("⚠️ Dropping undecodable event frame: %v", err)
			return
		}
		if c.OnEvent != nil {
			c.OnEvent(ev)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.open.Store(false)
			c.emitState(StateFailed)
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.open.Store(false)
			c.emitState(StateClosed)
		}
	})

	c.mu.Lock()
	c.pc = pc
	c.track = track
	c.dc = dc
	c.mu.Unlock()

	if err := c.exchangeOfferAnswer(ctx, pc, token); err != nil {
		c.teardown()
		return err
	}

	if c.source != nil {
		go c.capturePump()
	}
	return nil
}

// exchangeOfferAnswer posts the local SDP offer to the signaling endpoint
// and applies the remote answer.
func (c *Conn) exchangeOfferAnswer(ctx context.Context, pc *webrtc.PeerConnection, token string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	// Wait for ICE gathering so the offer carries all candidates; the
	// signaling endpoint does not support trickle.
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signalingURL, strings.NewReader(pc.LocalDescription().SDP))
	if err != nil {
		return fmt.Errorf("build signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signaling exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("signaling exchange: status %d", resp.StatusCode)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// capturePump moves frames from the local capture source to the audio track.
// While the transport is still connecting, frames are buffered; while muted,
// they are dropped.
func (c *Conn) capturePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		data, dur, err := c.source.ReadFrame()
		if err != nil {
			if err != io.EOF && c.ctx.Err() == nil {
				c.emitError(fmt.Errorf("audio capture: %w", err))
			}
			return
		}

		if !c.captureOn.Load() {
			continue
		}

		if !c.open.Load() {
			if err := c.buffer.Append(data); err != nil {
				log.Printf("⚠️ Dropping audio frame: %v", err)
			}
			continue
		}

		for _, frame := range c.buffer.Drain() {
			if err := c.writeSample(frame, dur); err != nil {
				c.emitError(fmt.Errorf("write buffered audio: %w", err))
				return
			}
		}
		if err := c.writeSample(data, dur); err != nil {
			c.emitError(fmt.Errorf("write audio: %w", err))
			return
		}
	}
}

func (c *Conn) writeSample(data []byte, dur time.Duration) error {
	c.mu.RLock()
	track := c.track
	c.mu.RUnlock()
	if track == nil {
		return fmt.Errorf("track not ready")
	}
	return track.WriteSample(media.Sample{Data: data, Duration: dur})
}

// Send writes one event to the event channel.
func (c *Conn) Send(ev ClientEvent) error {
	c.mu.RLock()
	dc := c.dc
	closed := c.closed
	c.mu.RUnlock()

	if closed || dc == nil || !c.open.Load() {
		return fmt.Errorf("event channel is not open")
	}

	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send %T: %w", ev, err)
	}
	return nil
}

// SetCapture enables or disables forwarding of local audio. Disabled capture
// drops frames at the source so the agent never hears its own output.
func (c *Conn) SetCapture(enabled bool) {
	c.captureOn.Store(enabled)
	if !enabled {
		c.buffer.Clear()
	}
}

// CaptureEnabled reports whether local audio is being forwarded.
func (c *Conn) CaptureEnabled() bool {
	return c.captureOn.Load()
}

// Close releases the transport. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.open.Store(false)
	c.buffer.Clear()
	return c.teardown()
}

func (c *Conn) teardown() error {
	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	c.dc = nil
	c.track = nil
	c.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (c *Conn) emitState(state ConnState) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed && state != StateClosed {
		return
	}
	if c.OnState != nil {
		c.OnState(state)
	}
}

func (c *Conn) emitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
