package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/util"
)

// Conn is the subset of a PeerConnection the registry drives.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is called for each gathered local candidate. The end of
	// gathering is not reported.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	// OnTrack is called when remote media starts arriving.
	OnTrack(fn func(streamID, trackID string))

	AddTrack(track webrtc.TrackLocal) error
	RemoveTrack(trackID string) error
	Close() error
}

// Factory creates one Conn per remote participant.
type Factory interface {
	NewConn(clientID string) (Conn, error)
}

// ---------------------------------------------------------------------------
// pion
// ---------------------------------------------------------------------------

// ICEServers builds the ICE server list from config.
func ICEServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if turn := cfg.TURNURLs(); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return servers
}

// PionFactory creates PeerConnections with the default audio/video codecs.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory creates a factory. A nil loggerFactory routes pion's logs
// through util.PionLoggerFactory.
func NewPionFactory(iceServers []webrtc.ICEServer, loggerFactory logging.LoggerFactory) (*PionFactory, error) {
	if loggerFactory == nil {
		loggerFactory = util.PionLoggerFactory{}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

// NewConn implements Factory.
func (f *PionFactory) NewConn(clientID string) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	log := util.Scoped("peer/" + clientID)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("PeerConnection state: %s", state)
	})

	return &pionConn{pc: pc, senders: make(map[string]*webrtc.RTPSender)}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnTrack(fn func(streamID, trackID string)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.StreamID(), track.ID())
	})
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[track.ID()] = sender
	c.mu.Unlock()
	return nil
}

func (c *pionConn) RemoveTrack(trackID string) error {
	c.mu.Lock()
	sender, ok := c.senders[trackID]
	delete(c.senders, trackID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.pc.RemoveTrack(sender)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

var errNoConn = errors.New("peer: factory returned nil connection")
