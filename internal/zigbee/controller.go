package zigbee

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/aps"
)

// EZSPController implements aps.Controller over an EmberZNet coordinator
// reached through ASH framing on a serial port. Adapted from the teacher's
// flat device-polling Controller into a thin boundary adapter: all protocol
// interpretation (ZCL/ZDP parsing, device lifecycle) moves up into the core
// packages that consume aps.Controller.
type EZSPController struct {
	serial *SerialPort
	ash    *ASHLayer
	ezsp   *EZSPLayer

	reqMu      sync.Mutex
	nextReqID  uint8
	eui64      [8]byte
	panID      uint16
	channel    uint8

	indicationCB func(aps.Indication)
	confirmCB    func(aps.Confirm)
	cbMu         sync.RWMutex

	connMu    sync.RWMutex
	connected bool
}

// NewEZSPController opens the serial port, brings up ASH and EZSP, and forms
// or resumes a Zigbee network.
func NewEZSPController(portPath string) (*EZSPController, error) {
	log.Info().Str("port", portPath).Msg("Initializing Zigbee controller")
	s, err := OpenSerial(portPath)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}

	ash := NewASHLayer(s)
	ezsp := NewEZSPLayer(ash)

	c := &EZSPController{serial: s, ash: ash, ezsp: ezsp}
	ezsp.SetCallbackHandler(c.handleCallback)

	if err := ash.Connect(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ASH connect: %w", err)
	}

	ezsp.Start()

	if err := c.initStack(); err != nil {
		c.Close()
		return nil, fmt.Errorf("init stack: %w", err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	log.Info().Msg("Zigbee EZSP controller initialized")
	return c, nil
}

func (c *EZSPController) initStack() error {
	proto, _, stackVer, err := c.ezsp.NegotiateVersion()
	if err != nil {
		return err
	}
	log.Info().Uint8("protocol", proto).Uint16("stack", stackVer).Msg("EZSP version OK")

	if err := c.ezsp.ConfigureStack(); err != nil {
		return err
	}

	if eui, err := c.ezsp.GetEUI64(); err == nil {
		c.eui64 = eui
	}

	status, err := c.ezsp.NetworkInit()
	if err != nil {
		return err
	}
	if status == emberSuccess || status == emberNetworkUp {
		log.Info().Msg("Resumed existing Zigbee network")
		return nil
	}

	log.Info().Uint8("status", status).Msg("No existing network, forming new one")

	c.channel = 15
	c.panID = uint16(rand.Intn(0xFFFE) + 1)
	var extPanID [8]byte
	for i := range extPanID {
		extPanID[i] = byte(rand.Intn(256))
	}

	if err := c.ezsp.FormNetwork(c.channel, c.panID, extPanID); err != nil {
		return fmt.Errorf("form network: %w", err)
	}

	time.Sleep(500 * time.Millisecond)
	return nil
}

// handleCallback dispatches async EZSP callbacks into the aps.Controller
// indication/confirm contract.
func (c *EZSPController) handleCallback(frameID uint16, data []byte) {
	switch frameID {
	case ezspIncomingMessageHandler:
		c.handleIncomingMessage(data)
	case ezspMessageSentHandler:
		c.handleMessageSent(data)
	case ezspStackStatusHandler:
		c.handleStackStatus(data)
	case ezspTrustCenterJoinHandler:
		c.handleTrustCenterJoin(data)
	default:
		log.Debug().Uint16("frameID", frameID).Msg("Unhandled EZSP callback")
	}
}

// incomingMessageHandler payload: type(1) + apsFrame(11) + lastHopLqi(1) +
// lastHopRssi(1) + sender(2) + bindingIndex(1) + addressIndex(1) + messageLength(1) + message(N)
func (c *EZSPController) handleIncomingMessage(data []byte) {
	if len(data) < 19 {
		return
	}

	profileID := binary.LittleEndian.Uint16(data[1:3])
	clusterID := binary.LittleEndian.Uint16(data[3:5])
	srcEP := data[5]
	dstEP := data[6]
	sender := binary.LittleEndian.Uint16(data[14:16])
	msgLen := int(data[18])

	if len(data) < 19+msgLen {
		return
	}
	payload := append([]byte(nil), data[19:19+msgLen]...)

	ind := aps.Indication{
		Src:         aps.Address{Mode: aps.AddrNWK, NWK: sender},
		SrcEndpoint: srcEP,
		DstEndpoint: dstEP,
		ProfileID:   profileID,
		ClusterID:   clusterID,
		Payload:     payload,
	}

	c.cbMu.RLock()
	cb := c.indicationCB
	c.cbMu.RUnlock()
	if cb != nil {
		cb(ind)
	}
}

// messageSentHandler payload: type(1) + indexOrDestination(2) + apsFrame(11) + messageTag(1) + status(1) + ...
func (c *EZSPController) handleMessageSent(data []byte) {
	if len(data) < 16 {
		return
	}
	messageTag := data[14]
	status := data[15]

	c.cbMu.RLock()
	cb := c.confirmCB
	c.cbMu.RUnlock()
	if cb != nil {
		cb(aps.Confirm{ID: messageTag, Status: status})
	}
}

func (c *EZSPController) handleStackStatus(data []byte) {
	if len(data) < 1 {
		return
	}
	switch data[0] {
	case emberNetworkUp:
		log.Info().Msg("Stack status: network up")
	case emberNetworkDown:
		log.Warn().Msg("Stack status: network down")
	default:
		log.Info().Uint8("status", data[0]).Msg("Stack status changed")
	}
}

// handleTrustCenterJoin surfaces device join/leave as a synthetic ZDP-profile
// indication on the device-announce "cluster" so the supervisor layer can
// treat joins uniformly with other discovery events.
func (c *EZSPController) handleTrustCenterJoin(data []byte) {
	if len(data) < 11 {
		return
	}
	nodeID := binary.LittleEndian.Uint16(data[0:2])
	var ieeeLE [8]byte
	copy(ieeeLE[:], data[2:10])
	status := data[10]

	var ieee uint64
	for i := 0; i < 8; i++ {
		ieee |= uint64(ieeeLE[i]) << (8 * i)
	}

	log.Info().Uint64("ieee", ieee).Uint16("nodeID", nodeID).Uint8("status", status).Msg("Trust center join event")

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, ieee)

	ind := aps.Indication{
		Src:         aps.Address{Mode: aps.AddrNWK, NWK: nodeID, IEEE: ieee},
		SrcEndpoint: 0,
		DstEndpoint: 0,
		ProfileID:   ProfileZDP,
		ClusterID:   0x0013, // ZDP Device_annce
		Payload:     payload,
	}

	c.cbMu.RLock()
	cb := c.indicationCB
	c.cbMu.RUnlock()
	if cb != nil {
		cb(ind)
	}
}

// --- aps.Controller ---

func (c *EZSPController) Send(ctx context.Context, req aps.Request) (uint8, aps.SendResult, error) {
	if !c.IsConnected() {
		return 0, aps.SendNotConnected, nil
	}

	c.reqMu.Lock()
	c.nextReqID++
	id := c.nextReqID
	c.reqMu.Unlock()

	if err := c.ezsp.SendUnicast(req.Dst.NWK, req.ProfileID, req.ClusterID, req.SrcEndpoint, req.DstEndpoint, req.Payload); err != nil {
		return 0, aps.SendBusy, err
	}
	return id, aps.SendEnqueued, nil
}

func (c *EZSPController) Indication(cb func(aps.Indication)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.indicationCB = cb
}

func (c *EZSPController) Confirm(cb func(aps.Confirm)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.confirmCB = cb
}

func (c *EZSPController) GetNode(index int) (aps.Node, bool) {
	// The EZSP neighbor table query is not wired in this adapter; the
	// coordinator's own node suffices for the boundary's current callers.
	if index != 0 {
		return aps.Node{}, false
	}
	var ieee uint64
	for i := 0; i < 8; i++ {
		ieee |= uint64(c.eui64[i]) << (8 * i)
	}
	return aps.Node{Address: aps.Address{Mode: aps.AddrIEEE, IEEE: ieee}, ReceiverOnWhenIdle: true, NodeDescriptorSet: true}, true
}

func (c *EZSPController) Param(k aps.Param) (any, error) {
	switch k {
	case aps.ParamChannel:
		return c.channel, nil
	case aps.ParamPanID:
		return c.panID, nil
	case aps.ParamMacAddress, aps.ParamNwkAddress:
		var ieee uint64
		for i := 0; i < 8; i++ {
			ieee |= uint64(c.eui64[i]) << (8 * i)
		}
		return ieee, nil
	default:
		return nil, fmt.Errorf("unknown param %q", k)
	}
}

// PermitJoin enables or disables network joining for duration seconds (0 disables).
func (c *EZSPController) PermitJoin(duration int) error {
	var dur uint8
	if duration > 0 {
		if duration > 254 {
			dur = 254
		} else {
			dur = uint8(duration)
		}
	}
	return c.ezsp.PermitJoining(dur)
}

func (c *EZSPController) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.ash.IsConnected()
}

func (c *EZSPController) Close() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.ezsp.Close()
	c.ash.Close()
	if err := c.serial.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close serial port")
	}
	log.Info().Msg("Zigbee controller closed")
}
