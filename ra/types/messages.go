package types

/*
   EPID key exchange message layouts
   Based on:
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_key_exchange.h

   msg0s and msg0r are the pre-exchange extension messages a service provider
   uses to announce its attestation configuration and long-term signing key.
*/

import (
	"encoding/binary"
	"fmt"
)

const (
	// Msg0SendSize is the packed size of Msg0Send.
	Msg0SendSize = 4

	// Msg0RespSize is the packed size of Msg0Resp.
	Msg0RespSize = RaConfigSize + 64

	// Msg1Size is the packed size of Msg1.
	Msg1Size = 68

	// Msg2MACOffset is the offset of the MAC field inside Msg2; the MAC covers
	// every byte before it, starting at GB.
	Msg2MACOffset = 64 + 16 + 2 + 2 + 64

	// Msg2FixedSize is the packed size of Msg2 without the revocation list.
	Msg2FixedSize = Msg2MACOffset + 16 + 4

	// Msg3FixedSize is the packed size of Msg3 without the quote. The MAC
	// covers every byte of the message after the MAC field itself.
	Msg3FixedSize = 16 + 64 + 256

	// PSSecPropSize is the size of the platform-services security property
	// descriptor carried in Msg3.
	PSSecPropSize = 256
)

// Msg0Send opens the handshake; the verifier announces its extended EPID
// group id.
type Msg0Send struct {
	ExtendedGroupID uint32
}

// Marshal serializes Msg0Send into its 4-byte wire representation.
func (m *Msg0Send) Marshal() [Msg0SendSize]byte {
	var result [Msg0SendSize]byte
	binary.LittleEndian.PutUint32(result[0:4], m.ExtendedGroupID)
	return result
}

// ParseMsg0Send parses Msg0Send from its wire representation.
func ParseMsg0Send(raw []byte) (Msg0Send, error) {
	if len(raw) < Msg0SendSize {
		return Msg0Send{}, fmt.Errorf("msg0s is too short to be parsed (received: %d bytes)", len(raw))
	}
	return Msg0Send{ExtendedGroupID: binary.LittleEndian.Uint32(raw[0:4])}, nil
}

// Msg0Resp is the service provider's answer to Msg0Send, carrying the RA
// configuration and the provider's long-term signing public key.
type Msg0Resp struct {
	RaConfig RaConfig
	SPPubKey Ec256PublicKey
}

// Marshal serializes Msg0Resp into its 76-byte wire representation.
func (m *Msg0Resp) Marshal() [Msg0RespSize]byte {
	config := m.RaConfig.Marshal()
	pubKey := m.SPPubKey.Marshal()

	var result [Msg0RespSize]byte
	copy(result[0:RaConfigSize], config[:])
	copy(result[RaConfigSize:Msg0RespSize], pubKey[:])
	return result
}

// ParseMsg0Resp parses Msg0Resp from its wire representation.
func ParseMsg0Resp(raw []byte) (Msg0Resp, error) {
	if len(raw) < Msg0RespSize {
		return Msg0Resp{}, fmt.Errorf("msg0r is too short to be parsed (received: %d bytes)", len(raw))
	}
	config, err := ParseRaConfig(raw[0:RaConfigSize])
	if err != nil {
		return Msg0Resp{}, err
	}
	pubKey, err := ParseEc256PublicKey(raw[RaConfigSize:Msg0RespSize])
	if err != nil {
		return Msg0Resp{}, err
	}
	return Msg0Resp{RaConfig: config, SPPubKey: pubKey}, nil
}

// Msg1 carries the verifier's ephemeral ECDH public key and its EPID group id.
type Msg1 struct {
	GA  Ec256PublicKey
	GID [4]byte
}

// Marshal serializes Msg1 into its 68-byte wire representation.
func (m *Msg1) Marshal() [Msg1Size]byte {
	ga := m.GA.Marshal()

	var result [Msg1Size]byte
	copy(result[0:64], ga[:])
	copy(result[64:68], m.GID[:])
	return result
}

// ParseMsg1 parses Msg1 from its wire representation.
func ParseMsg1(raw []byte) (Msg1, error) {
	if len(raw) < Msg1Size {
		return Msg1{}, fmt.Errorf("msg1 is too short to be parsed (received: %d bytes)", len(raw))
	}
	ga, err := ParseEc256PublicKey(raw[0:64])
	if err != nil {
		return Msg1{}, err
	}
	return Msg1{GA: ga, GID: [4]byte(raw[64:68])}, nil
}

// Msg2 is the service provider's key exchange message: its ephemeral ECDH
// public key, SPID, signature over both ECDH keys, a CMAC over the prefix,
// and the signature revocation list for the verifier's EPID group.
type Msg2 struct {
	GB        Ec256PublicKey
	SPID      [16]byte
	QuoteType uint16
	KDFID     uint16
	SignGbGa  Ec256Signature
	MAC       [16]byte
	SigRL     []byte
}

// Marshal serializes Msg2 including the trailing revocation list.
func (m *Msg2) Marshal() []byte {
	result := make([]byte, Msg2FixedSize+len(m.SigRL))
	gb := m.GB.Marshal()
	sig := m.SignGbGa.Marshal()

	copy(result[0:64], gb[:])
	copy(result[64:80], m.SPID[:])
	binary.LittleEndian.PutUint16(result[80:82], m.QuoteType)
	binary.LittleEndian.PutUint16(result[82:84], m.KDFID)
	copy(result[84:148], sig[:])
	copy(result[148:164], m.MAC[:])
	binary.LittleEndian.PutUint32(result[164:168], uint32(len(m.SigRL)))
	copy(result[Msg2FixedSize:], m.SigRL)
	return result
}

// MACRegion returns the byte range of a marshaled Msg2 covered by its MAC.
func (m *Msg2) MACRegion() []byte {
	return m.Marshal()[:Msg2MACOffset]
}

// ParseMsg2 parses Msg2 from its wire representation, including the trailing
// revocation list whose length is given by the SigRLSize field.
func ParseMsg2(raw []byte) (Msg2, error) {
	rawLength := len(raw)
	if rawLength < Msg2FixedSize {
		return Msg2{}, fmt.Errorf("msg2 is too short to be parsed (received: %d bytes)", rawLength)
	}

	gb, err := ParseEc256PublicKey(raw[0:64])
	if err != nil {
		return Msg2{}, err
	}
	sig, err := ParseEc256Signature(raw[84:148])
	if err != nil {
		return Msg2{}, err
	}

	sigRLSize := binary.LittleEndian.Uint32(raw[164:168])
	endSigRL := uint64(Msg2FixedSize) + uint64(sigRLSize)
	if endSigRL > uint64(rawLength) {
		return Msg2{}, fmt.Errorf("msg2 SigRLSize is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", sigRLSize, rawLength-Msg2FixedSize)
	}

	var sigRL []byte
	if sigRLSize > 0 {
		sigRL = raw[Msg2FixedSize:endSigRL]
	}

	return Msg2{
		GB:        gb,
		SPID:      [16]byte(raw[64:80]),
		QuoteType: binary.LittleEndian.Uint16(raw[80:82]),
		KDFID:     binary.LittleEndian.Uint16(raw[82:84]),
		SignGbGa:  sig,
		MAC:       [16]byte(raw[148:164]),
		SigRL:     sigRL,
	}, nil
}

// Msg3 carries the verifier's quote back to the service provider. The MAC
// covers everything after the MAC field: GA, PSSecProp, and the quote.
type Msg3 struct {
	MAC       [16]byte
	GA        Ec256PublicKey
	PSSecProp [PSSecPropSize]byte
	Quote     []byte
}

// Marshal serializes Msg3 including the trailing quote.
func (m *Msg3) Marshal() []byte {
	result := make([]byte, Msg3FixedSize+len(m.Quote))
	ga := m.GA.Marshal()

	copy(result[0:16], m.MAC[:])
	copy(result[16:80], ga[:])
	copy(result[80:336], m.PSSecProp[:])
	copy(result[Msg3FixedSize:], m.Quote)
	return result
}

// MACRegion returns the byte range of a marshaled Msg3 covered by its MAC.
func (m *Msg3) MACRegion() []byte {
	return m.Marshal()[16:]
}

// ParseMsg3 parses Msg3 from its wire representation. The quote runs from the
// end of the fixed fields to the end of the input.
func ParseMsg3(raw []byte) (Msg3, error) {
	rawLength := len(raw)
	if rawLength < Msg3FixedSize+QuoteMinSize {
		return Msg3{}, fmt.Errorf("msg3 is too short to be parsed (received: %d bytes)", rawLength)
	}

	ga, err := ParseEc256PublicKey(raw[16:80])
	if err != nil {
		return Msg3{}, err
	}

	return Msg3{
		MAC:       [16]byte(raw[0:16]),
		GA:        ga,
		PSSecProp: [PSSecPropSize]byte(raw[80:336]),
		Quote:     raw[Msg3FixedSize:],
	}, nil
}
