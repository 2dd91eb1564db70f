package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/martam/internal/proto"
)

// pliInterval is how often we ask the remote for a keyframe on video
// tracks. Without it a lost keyframe freezes the picture until the
// encoder happens to send another one.
const pliInterval = 3 * time.Second

// Session is one call between the local peer and remoteID.
type Session struct {
	callID   string
	remoteID string
	video    bool
	caller   bool

	sig Signaler
	pc  *webrtc.PeerConnection

	mu         sync.Mutex
	stage      Stage
	reason     string
	activeAt   time.Time
	endedAt    time.Time
	stageLs    []func(Stage)
	pendingICE []webrtc.ICECandidateInit
	haveRemote bool

	remoteTrackH func(*webrtc.TrackRemote)

	rtpPackets atomic.Uint64

	done    chan struct{}
	endOnce sync.Once
	onEnd   func(callID string)
}

func newSession(callID, remoteID string, video, caller bool, sig Signaler, stun []string, localTracks []webrtc.TrackLocal, onEnd func(string)) (*Session, error) {
	pc, err := newPeerConnection(stun)
	if err != nil {
		return nil, err
	}

	s := &Session{
		callID:   callID,
		remoteID: remoteID,
		video:    video,
		caller:   caller,
		sig:      sig,
		pc:       pc,
		stage:    StageRinging,
		done:     make(chan struct{}),
		onEnd:    onEnd,
	}

	// Local media is whatever the application supplies; absent tracks
	// become receive-only transceivers so remote media still flows.
	haveAudio, haveVideo := false, false
	for _, t := range localTracks {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, err
		}
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if video && !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		err = sig.Send(remoteID, proto.SignalMsg{
			Type:   proto.SignalCallICE,
			CallID: callID,
			ICE:    data,
		})
		if err != nil {
			log.Printf("CALL [%s]: ice candidate to %s: %v", callID, remoteID, err)
		}
	})

	pc.OnTrack(s.onRemoteTrack)
	pc.OnConnectionStateChange(s.onConnState)

	return s, nil
}

func (s *Session) CallID() string     { return s.callID }
func (s *Session) RemotePeer() string { return s.remoteID }
func (s *Session) Video() bool        { return s.video }
func (s *Session) Caller() bool       { return s.caller }

// Stage returns the session's current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Reason reports why the session ended; empty while not Ended.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Duration is how long the call has been (or was) active. Zero for a
// call that never connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.activeAt)
}

// OnStage registers a stage change listener. Listeners run on session
// goroutines and must not block.
func (s *Session) OnStage(fn func(Stage)) {
	s.mu.Lock()
	s.stageLs = append(s.stageLs, fn)
	s.mu.Unlock()
}

// OnRemoteTrack registers the consumer for inbound media. When no
// consumer is set the session drains packets itself.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.remoteTrackH = fn
	s.mu.Unlock()
}

// startOutbound creates the offer and sends the call request. Caller
// side only.
func (s *Session) startOutbound() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.end(ReasonFailed)
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.end(ReasonFailed)
		return err
	}

	err = s.sig.Send(s.remoteID, proto.SignalMsg{
		Type:   proto.SignalCallRequest,
		CallID: s.callID,
		SDP:    offer.SDP,
		Video:  s.video,
	})
	if err != nil {
		s.end(ReasonFailed)
		return fmt.Errorf("%w: %v", ErrSignalingFailed, err)
	}
	log.Printf("CALL [%s]: ringing %s (video=%v)", s.callID, s.remoteID, s.video)
	return nil
}

// acceptInbound applies the caller's offer and answers. Callee side
// only.
func (s *Session) acceptInbound(offerSDP string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		s.end(ReasonFailed)
		return fmt.Errorf("%w: apply offer: %v", ErrSignalingFailed, err)
	}
	s.remoteDescriptionSet()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.end(ReasonFailed)
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.end(ReasonFailed)
		return err
	}

	err = s.sig.Send(s.remoteID, proto.SignalMsg{
		Type:   proto.SignalCallAnswer,
		CallID: s.callID,
		SDP:    answer.SDP,
	})
	if err != nil {
		s.end(ReasonFailed)
		return fmt.Errorf("%w: %v", ErrSignalingFailed, err)
	}

	s.setStage(StageAnswered)
	return nil
}

// handleSignal processes one inbound signaling message for this call.
func (s *Session) handleSignal(sig proto.SignalMsg) {
	switch sig.Type {
	case proto.SignalCallAnswer:
		err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		})
		if err != nil {
			log.Printf("CALL [%s]: apply answer: %v", s.callID, err)
			s.Hangup()
			return
		}
		s.remoteDescriptionSet()
		s.setStage(StageAnswered)

	case proto.SignalCallICE:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.ICE, &cand); err != nil {
			return
		}
		s.mu.Lock()
		if !s.haveRemote {
			// hold until the remote description lands
			s.pendingICE = append(s.pendingICE, cand)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", s.callID, err)
		}

	case proto.SignalCallReject:
		log.Printf("CALL [%s]: rejected by %s", s.callID, s.remoteID)
		s.end(ReasonRejected)

	case proto.SignalCallHangup:
		log.Printf("CALL [%s]: hangup from %s", s.callID, s.remoteID)
		s.end(ReasonHangup)
	}
}

// remoteDescriptionSet flushes candidates that arrived early.
func (s *Session) remoteDescriptionSet() {
	s.mu.Lock()
	s.haveRemote = true
	held := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, cand := range held {
		if err := s.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add held candidate: %v", s.callID, err)
		}
	}
}

func (s *Session) onConnState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.stage == StageEnded {
			s.mu.Unlock()
			return
		}
		if s.activeAt.IsZero() {
			s.activeAt = time.Now()
		}
		s.mu.Unlock()
		s.setStage(StageActive)
		log.Printf("CALL [%s]: media up with %s", s.callID, s.remoteID)
	case webrtc.PeerConnectionStateFailed:
		s.end(ReasonFailed)
	case webrtc.PeerConnectionStateClosed:
		s.end(ReasonClosed)
	}
}

func (s *Session) onRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Printf("CALL [%s]: remote %s track %s", s.callID, track.Kind(), track.ID())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.keyframeLoop(track)
	}

	s.mu.Lock()
	h := s.remoteTrackH
	s.mu.Unlock()
	if h != nil {
		h(track)
		return
	}
	go s.drain(track)
}

// keyframeLoop requests a fresh keyframe at a fixed cadence for as long
// as the session lives.
func (s *Session) keyframeLoop(track *webrtc.TrackRemote) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}
		err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// drain consumes a remote track nobody subscribed to, keeping jitter
// buffers from backing up and counting packets for diagnostics.
func (s *Session) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.rtpPackets.Add(1)
	}
}

// RTPPacketCount reports inbound packets seen on drained tracks.
func (s *Session) RTPPacketCount() uint64 {
	return s.rtpPackets.Load()
}

// Hangup ends the call and tells the remote peer. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	ended := s.stage == StageEnded
	s.mu.Unlock()
	if !ended {
		_ = s.sig.Send(s.remoteID, proto.SignalMsg{Type: proto.SignalCallHangup, CallID: s.callID})
	}
	s.end(ReasonHangup)
}

// end moves the session to Ended exactly once, whatever path got here:
// local hangup, remote hangup or reject, ICE failure, manager close.
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.stage = StageEnded
		s.reason = reason
		s.endedAt = time.Now()
		ls := append([]func(Stage){}, s.stageLs...)
		s.mu.Unlock()

		close(s.done)
		_ = s.pc.Close()

		for _, fn := range ls {
			fn(StageEnded)
		}
		if s.onEnd != nil {
			s.onEnd(s.callID)
		}
		log.Printf("CALL [%s]: ended (%s)", s.callID, reason)
	})
}

// setStage advances the stage unless the session already ended.
func (s *Session) setStage(st Stage) {
	s.mu.Lock()
	if s.stage == StageEnded || s.stage == st {
		s.mu.Unlock()
		return
	}
	// Answered never overrides Active: a fast ICE handshake may connect
	// before the answer signal is fully processed.
	if st == StageAnswered && s.stage == StageActive {
		s.mu.Unlock()
		return
	}
	s.stage = st
	ls := append([]func(Stage){}, s.stageLs...)
	s.mu.Unlock()

	for _, fn := range ls {
		fn(st)
	}
}
