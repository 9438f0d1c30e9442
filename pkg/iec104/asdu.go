package iec104

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TypeID identifies the ASDU type.
type TypeID byte

// Supported type identifications
const (
	MSpNa1 TypeID = 1   // single-point information
	MMeNc1 TypeID = 13  // measured value, short floating point
	CScNa1 TypeID = 45  // single command
	CSeNc1 TypeID = 50  // set point command, short floating point
	CIcNa1 TypeID = 100 // interrogation command
)

func (t TypeID) String() string {
	switch t {
	case MSpNa1:
		return "M_SP_NA_1"
	case MMeNc1:
		return "M_ME_NC_1"
	case CScNa1:
		return "C_SC_NA_1"
	case CSeNc1:
		return "C_SE_NC_1"
	case CIcNa1:
		return "C_IC_NA_1"
	default:
		return fmt.Sprintf("TypeID(%d)", byte(t))
	}
}

// Cause is the cause of transmission.
type Cause byte

// Causes of transmission
const (
	CauseCyclic         Cause = 1
	CauseSpontaneous    Cause = 3
	CauseActivation     Cause = 6
	CauseActivationCon  Cause = 7
	CauseActivationTerm Cause = 10
	CauseInterrogated   Cause = 20 // interrogated by station (general) interrogation
)

func (c Cause) String() string {
	switch c {
	case CauseCyclic:
		return "cyclic"
	case CauseSpontaneous:
		return "spont"
	case CauseActivation:
		return "act"
	case CauseActivationCon:
		return "actcon"
	case CauseActivationTerm:
		return "actterm"
	case CauseInterrogated:
		return "inrogen"
	default:
		return fmt.Sprintf("Cause(%d)", byte(c))
	}
}

// ASDU layout: type(1) vsq(1) cot(1) originator(1) common address(2) IOA(3) element(...)
const (
	asduHeaderLen = 6
	ioaLen        = 3
	elementOffset = asduHeaderLen + ioaLen

	singleCommandLen   = elementOffset + 1     // SCO
	setPointCommandLen = elementOffset + 4 + 1 // IEEE STD 754 + QOS
	singlePointLen     = elementOffset + 1     // SIQ
	measuredFloatLen   = elementOffset + 4 + 1 // IEEE STD 754 + QDS
	interrogationLen   = elementOffset + 1     // QOI

	vsqSingle = 0x01 // one information object, not sequenced
)

// QOIStation is the qualifier of a general (station) interrogation.
const QOIStation byte = 20

// siqQualityMask keeps the IV, NT, SB and BL bits of an SIQ octet.
const siqQualityMask = 0xF0

// Errors related to ASDU decoding
var (
	ErrASDUTooShort = errors.New("ASDU too short")
	ErrUnknownType  = errors.New("unsupported type identification")
)

// Message is a decoded ASDU.
type Message interface {
	TypeID() TypeID
}

// SingleCommand is a C_SC_NA_1 request or its mirrored confirmation.
type SingleCommand struct {
	Cause         Cause
	CommonAddress uint16
	Address       uint32
	State         bool  // true = ON
	Select        bool  // true = select, false = execute
	Qualifier     uint8 // QU, 5 bits
}

func (SingleCommand) TypeID() TypeID { return CScNa1 }

// SCO packs the single command octet.
func (c SingleCommand) SCO() byte {
	sco := (c.Qualifier & 0x1F) << 2
	if c.State {
		sco |= 0x01
	}
	if c.Select {
		sco |= 0x80
	}
	return sco
}

// SetPointCommand is a C_SE_NC_1 request or its mirrored confirmation.
type SetPointCommand struct {
	Cause         Cause
	CommonAddress uint16
	Address       uint32
	Value         float32
	Select        bool
	Qualifier     uint8 // QL, 7 bits
}

func (SetPointCommand) TypeID() TypeID { return CSeNc1 }

// QOS packs the qualifier of set-point command octet.
func (c SetPointCommand) QOS() byte {
	qos := c.Qualifier & 0x7F
	if c.Select {
		qos |= 0x80
	}
	return qos
}

// InterrogationRequest is a C_IC_NA_1 request.
type InterrogationRequest struct {
	Cause         Cause
	CommonAddress uint16
	Qualifier     byte // QOI
}

func (InterrogationRequest) TypeID() TypeID { return CIcNa1 }

// PointReport is a monitored value received in M_SP_NA_1 or M_ME_NC_1.
type PointReport struct {
	Type          TypeID
	Cause         Cause
	CommonAddress uint16
	Address       uint32
	Value         Value
	Quality       Quality
}

func (r PointReport) TypeID() TypeID { return r.Type }

func putHeader(buf []byte, t TypeID, cause Cause, commonAddr uint16, ioa uint32) {
	buf[0] = byte(t)
	buf[1] = vsqSingle
	buf[2] = byte(cause)
	buf[3] = 0 // originator address
	binary.LittleEndian.PutUint16(buf[4:6], commonAddr)
	putIOA(buf[asduHeaderLen:], ioa)
}

func putIOA(b []byte, ioa uint32) {
	b[0] = byte(ioa)
	b[1] = byte(ioa >> 8)
	b[2] = byte(ioa >> 16)
}

func parseIOA(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putFloat(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func parseFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// EncodeASDU encodes the current state of a point. It returns nil for point
// types that cannot be reported.
func EncodeASDU(p DataPoint, cause Cause) []byte {
	switch p.Type {
	case MMeNc1:
		buf := make([]byte, measuredFloatLen)
		putHeader(buf, MMeNc1, cause, p.CommonAddress, p.Address)
		putFloat(buf[elementOffset:], p.Value.Float())
		buf[elementOffset+4] = byte(p.Quality)
		return buf
	case MSpNa1:
		buf := make([]byte, singlePointLen)
		putHeader(buf, MSpNa1, cause, p.CommonAddress, p.Address)
		siq := byte(p.Quality) & siqQualityMask
		if p.Value.Bool() {
			siq |= 0x01
		}
		buf[elementOffset] = siq
		return buf
	default:
		return nil
	}
}

// EncodeSingleCommand encodes a C_SC_NA_1 with the given cause.
func EncodeSingleCommand(cmd SingleCommand, cause Cause) []byte {
	buf := make([]byte, singleCommandLen)
	putHeader(buf, CScNa1, cause, cmd.CommonAddress, cmd.Address)
	buf[elementOffset] = cmd.SCO()
	return buf
}

// EncodeSetPointCommand encodes a C_SE_NC_1 with the given cause.
func EncodeSetPointCommand(cmd SetPointCommand, cause Cause) []byte {
	buf := make([]byte, setPointCommandLen)
	putHeader(buf, CSeNc1, cause, cmd.CommonAddress, cmd.Address)
	putFloat(buf[elementOffset:], cmd.Value)
	buf[elementOffset+4] = cmd.QOS()
	return buf
}

// EncodeInterrogation encodes a C_IC_NA_1 addressed to IOA 0.
func EncodeInterrogation(commonAddr uint16, qoi byte, cause Cause) []byte {
	buf := make([]byte, interrogationLen)
	putHeader(buf, CIcNa1, cause, commonAddr, 0)
	buf[elementOffset] = qoi
	return buf
}

// DecodeASDU decodes one ASDU. Commands shorter than their fixed size are
// rejected with ErrASDUTooShort.
func DecodeASDU(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrASDUTooShort
	}
	t := TypeID(payload[0])
	switch t {
	case CScNa1:
		if len(payload) < singleCommandLen {
			return nil, fmt.Errorf("%s: %w (%d bytes)", t, ErrASDUTooShort, len(payload))
		}
		sco := payload[elementOffset]
		return SingleCommand{
			Cause:         Cause(payload[2] & 0x3F),
			CommonAddress: binary.LittleEndian.Uint16(payload[4:6]),
			Address:       parseIOA(payload[asduHeaderLen:]),
			State:         sco&0x01 != 0,
			Select:        sco&0x80 != 0,
			Qualifier:     (sco >> 2) & 0x1F,
		}, nil
	case CSeNc1:
		if len(payload) < setPointCommandLen {
			return nil, fmt.Errorf("%s: %w (%d bytes)", t, ErrASDUTooShort, len(payload))
		}
		qos := payload[elementOffset+4]
		return SetPointCommand{
			Cause:         Cause(payload[2] & 0x3F),
			CommonAddress: binary.LittleEndian.Uint16(payload[4:6]),
			Address:       parseIOA(payload[asduHeaderLen:]),
			Value:         parseFloat(payload[elementOffset:]),
			Select:        qos&0x80 != 0,
			Qualifier:     qos & 0x7F,
		}, nil
	case CIcNa1:
		req := InterrogationRequest{
			Cause:         CauseActivation,
			CommonAddress: DefaultCommonAddress,
			Qualifier:     QOIStation,
		}
		if len(payload) >= asduHeaderLen {
			req.Cause = Cause(payload[2] & 0x3F)
			req.CommonAddress = binary.LittleEndian.Uint16(payload[4:6])
		}
		if len(payload) >= interrogationLen {
			req.Qualifier = payload[elementOffset]
		}
		return req, nil
	case MMeNc1:
		if len(payload) < measuredFloatLen {
			return nil, fmt.Errorf("%s: %w (%d bytes)", t, ErrASDUTooShort, len(payload))
		}
		return PointReport{
			Type:          t,
			Cause:         Cause(payload[2] & 0x3F),
			CommonAddress: binary.LittleEndian.Uint16(payload[4:6]),
			Address:       parseIOA(payload[asduHeaderLen:]),
			Value:         FloatValue(parseFloat(payload[elementOffset:])),
			Quality:       Quality(payload[elementOffset+4]),
		}, nil
	case MSpNa1:
		if len(payload) < singlePointLen {
			return nil, fmt.Errorf("%s: %w (%d bytes)", t, ErrASDUTooShort, len(payload))
		}
		siq := payload[elementOffset]
		return PointReport{
			Type:          t,
			Cause:         Cause(payload[2] & 0x3F),
			CommonAddress: binary.LittleEndian.Uint16(payload[4:6]),
			Address:       parseIOA(payload[asduHeaderLen:]),
			Value:         BoolValue(siq&0x01 != 0),
			Quality:       Quality(siq & siqQualityMask),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, byte(t))
	}
}
