// Package aps defines the boundary types and controller interface the core
// consumes from a radio-coprocessor driver: APS-DATA.request/indication/confirm
// and ZDP/ZCL framing, opaque to everything above this package.
package aps

import "context"

// AddressMode selects how a Request's destination is interpreted.
type AddressMode uint8

const (
	AddrGroup     AddressMode = 0x01
	AddrNWK       AddressMode = 0x02
	AddrIEEE      AddressMode = 0x03
	AddrBroadcast AddressMode = 0x0F
)

// Address identifies a device or group on the network.
type Address struct {
	Mode  AddressMode
	NWK   uint16
	IEEE  uint64 // device key; 0 if unknown
	Group uint16
}

// SendResult is the synchronous outcome of enqueuing a Request.
type SendResult uint8

const (
	SendEnqueued SendResult = iota
	SendBusy
	SendNotConnected
)

// Request is an outgoing APS-DATA.request.
type Request struct {
	ID          uint8 // auto-assigned by the controller, echoed in the confirm
	Dst         Address
	SrcEndpoint uint8
	DstEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	Radius      uint8
	TxOptions   uint16
	Payload     []byte
}

// Indication is an inbound APS-DATA.indication.
type Indication struct {
	Src         Address
	SrcEndpoint uint8
	DstEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	Payload     []byte
}

// Confirm reports the outcome of a previously sent Request by its ID.
type Confirm struct {
	ID     uint8
	Status uint8 // 0x00 == success
}

// Node is one entry of the coprocessor's neighbor/node-descriptor view.
type Node struct {
	Address           Address
	MacCapabilities    uint8
	ReceiverOnWhenIdle bool
	NodeDescriptorSet  bool
}

// Param identifies a gateway-level parameter query.
type Param string

const (
	ParamMacAddress Param = "mac_address"
	ParamNwkAddress Param = "nwk_address"
	ParamChannel    Param = "channel"
	ParamPanID      Param = "pan_id"
)

// Controller is the interface the core consumes from whatever speaks to the
// radio coprocessor. Out of scope for this module beyond this boundary; the
// concrete EZSP-over-ASH-over-serial implementation lives in internal/zigbee
// and a deterministic fake lives alongside the tests that need one.
type Controller interface {
	// Send enqueues an APS-DATA.request. The returned Request.ID (if
	// SendEnqueued) is echoed by a later Confirm.
	Send(ctx context.Context, req Request) (uint8, SendResult, error)

	// Indication registers cb to be invoked for every inbound indication.
	Indication(cb func(Indication))

	// Confirm registers cb to be invoked for every outgoing request's confirm.
	Confirm(cb func(Confirm))

	// GetNode returns the coprocessor's index-th known neighbor, if any.
	GetNode(index int) (Node, bool)

	// Param returns a gateway-level parameter value.
	Param(k Param) (any, error)
}
