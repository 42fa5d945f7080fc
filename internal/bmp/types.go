package bmp

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// TLV type codes. TableName is Loc-RIB Route Monitoring's (RFC 9069);
// SysDescr/SysName are BMP Initiation's (RFC 7854 §4.3).
const (
	TLVTypeTableName uint16 = 0
	TLVTypeSysDescr  uint16 = 1
	TLVTypeSysName   uint16 = 2
)

// BMPVersion is the expected BMP protocol version.
const BMPVersion uint8 = 3

// PeerFlagAddPath is the F-bit in peer_flags (RFC 9069 Section 4.2).
// Bit 0 (MSB) of the single-octet flags field = 0x80.
// RFC 9069 Section 4.2 defines the F-bit. The bit position (0x80 vs 0x01)
// depends on implementation; this package tests 0x80 only.
const PeerFlagAddPath uint8 = 0x80

// ParsedBMP represents a parsed BMP message.
type ParsedBMP struct {
	MsgType    uint8
	PeerType   uint8
	PeerFlags  uint8
	IsLocRIB   bool
	HasAddPath bool
	TableName  string
	SysName    string // BMP Initiation TLV: router hostname
	SysDescr   string // BMP Initiation TLV: router software description
	BGPData    []byte // The encapsulated BGP message bytes
	Offset     int    // Byte offset of this message within the raw payload (set by ParseAll)

	PeerDownReason uint8  // Peer Down Notification reason code
	LocalBGPID     string // Local BGP Identifier from Peer Up / Loc-RIB TLVs
	LocalASN       uint32 // Local ASN from Peer Up Sent OPEN message
}
