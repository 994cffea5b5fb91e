package types

/*
   SGX EPID Quote parser
   Based on:
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_quote.h
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_report.h
*/

import (
	"encoding/binary"
	"fmt"
)

const (
	// QuoteBodySize is the fixed part of an EPID quote up to and excluding
	// SignatureLen. The attestation report embeds exactly this region, and
	// equality between the submitted quote and the reported quote is checked
	// over it.
	QuoteBodySize = 432

	// QuoteMinSize is QuoteBodySize plus the 4-byte SignatureLen field.
	QuoteMinSize = QuoteBodySize + 4

	// quoteMaxSize bounds the total quote length accepted by the parser. EPID
	// signatures grow with the revocation list but stay far below this.
	quoteMaxSize = 1048576
)

// ReportBody is the enclave report embedded in an EPID quote.
type ReportBody struct {
	CPUSVN       [16]byte
	MiscSelect   uint32
	Reserved1    [12]byte
	ISVExtProdID [16]byte
	Attributes   [16]byte
	MRENCLAVE    [32]byte
	Reserved2    [32]byte
	MRSIGNER     [32]byte
	Reserved3    [32]byte
	ConfigID     [64]byte
	ISVProdID    uint16
	ISVSVN       uint16
	ConfigSVN    uint16
	Reserved4    [42]byte
	ISVFamilyID  [16]byte
	ReportData   [64]byte
}

// Marshal serializes a ReportBody into its 384-byte binary representation.
func (rb *ReportBody) Marshal() [384]byte {
	miscSelect := make([]byte, 4)
	isvProdID := make([]byte, 2)
	isvSVN := make([]byte, 2)
	configSVN := make([]byte, 2)
	binary.LittleEndian.PutUint32(miscSelect, rb.MiscSelect)
	binary.LittleEndian.PutUint16(isvProdID, rb.ISVProdID)
	binary.LittleEndian.PutUint16(isvSVN, rb.ISVSVN)
	binary.LittleEndian.PutUint16(configSVN, rb.ConfigSVN)

	var result [384]byte
	copy(result[0:16], rb.CPUSVN[:])
	copy(result[16:20], miscSelect)
	copy(result[20:32], rb.Reserved1[:])
	copy(result[32:48], rb.ISVExtProdID[:])
	copy(result[48:64], rb.Attributes[:])
	copy(result[64:96], rb.MRENCLAVE[:])
	copy(result[96:128], rb.Reserved2[:])
	copy(result[128:160], rb.MRSIGNER[:])
	copy(result[160:192], rb.Reserved3[:])
	copy(result[192:256], rb.ConfigID[:])
	copy(result[256:258], isvProdID)
	copy(result[258:260], isvSVN)
	copy(result[260:262], configSVN)
	copy(result[262:304], rb.Reserved4[:])
	copy(result[304:320], rb.ISVFamilyID[:])
	copy(result[320:384], rb.ReportData[:])
	return result
}

func parseReportBody(raw []byte) ReportBody {
	return ReportBody{
		CPUSVN:       [16]byte(raw[0:16]),
		MiscSelect:   binary.LittleEndian.Uint32(raw[16:20]),
		Reserved1:    [12]byte(raw[20:32]),
		ISVExtProdID: [16]byte(raw[32:48]),
		Attributes:   [16]byte(raw[48:64]),
		MRENCLAVE:    [32]byte(raw[64:96]),
		Reserved2:    [32]byte(raw[96:128]),
		MRSIGNER:     [32]byte(raw[128:160]),
		Reserved3:    [32]byte(raw[160:192]),
		ConfigID:     [64]byte(raw[192:256]),
		ISVProdID:    binary.LittleEndian.Uint16(raw[256:258]),
		ISVSVN:       binary.LittleEndian.Uint16(raw[258:260]),
		ConfigSVN:    binary.LittleEndian.Uint16(raw[260:262]),
		Reserved4:    [42]byte(raw[262:304]),
		ISVFamilyID:  [16]byte(raw[304:320]),
		ReportData:   [64]byte(raw[320:384]),
	}
}

// QuoteBody is the fixed region of an EPID quote, excluding the trailing
// signature length and signature.
type QuoteBody struct {
	Version  uint16
	SignType uint16
	GroupID  [4]byte
	QESVN    uint16
	PCESVN   uint16
	XEID     uint32
	Basename [32]byte
	Report   ReportBody
}

// Marshal serializes a QuoteBody into its 432-byte binary representation.
func (q *QuoteBody) Marshal() [QuoteBodySize]byte {
	version := make([]byte, 2)
	signType := make([]byte, 2)
	qeSVN := make([]byte, 2)
	pceSVN := make([]byte, 2)
	xeid := make([]byte, 4)
	binary.LittleEndian.PutUint16(version, q.Version)
	binary.LittleEndian.PutUint16(signType, q.SignType)
	binary.LittleEndian.PutUint16(qeSVN, q.QESVN)
	binary.LittleEndian.PutUint16(pceSVN, q.PCESVN)
	binary.LittleEndian.PutUint32(xeid, q.XEID)

	report := q.Report.Marshal()

	var result [QuoteBodySize]byte
	copy(result[0:2], version)
	copy(result[2:4], signType)
	copy(result[4:8], q.GroupID[:])
	copy(result[8:10], qeSVN)
	copy(result[10:12], pceSVN)
	copy(result[12:16], xeid)
	copy(result[16:48], q.Basename[:])
	copy(result[48:432], report[:])
	return result
}

// ParseQuoteBody parses the fixed 432-byte region of an EPID quote. The input
// may be longer; extra bytes are ignored.
func ParseQuoteBody(raw []byte) (QuoteBody, error) {
	if len(raw) < QuoteBodySize {
		return QuoteBody{}, fmt.Errorf("quote body is too short to be parsed (received: %d bytes)", len(raw))
	}
	return QuoteBody{
		Version:  binary.LittleEndian.Uint16(raw[0:2]),
		SignType: binary.LittleEndian.Uint16(raw[2:4]),
		GroupID:  [4]byte(raw[4:8]),
		QESVN:    binary.LittleEndian.Uint16(raw[8:10]),
		PCESVN:   binary.LittleEndian.Uint16(raw[10:12]),
		XEID:     binary.LittleEndian.Uint32(raw[12:16]),
		Basename: [32]byte(raw[16:48]),
		Report:   parseReportBody(raw[48:432]),
	}, nil
}

// Quote is a complete EPID quote as carried in msg3: the fixed body followed
// by a variable-length EPID signature.
type Quote struct {
	Body         QuoteBody
	SignatureLen uint32
	Signature    []byte
}

// ParseQuote parses a complete EPID quote. The expected input is the full
// quote including the signature.
func ParseQuote(rawQuote []byte) (Quote, error) {
	quoteLength := len(rawQuote)
	if quoteLength < QuoteMinSize {
		return Quote{}, fmt.Errorf("quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	} else if quoteLength > quoteMaxSize {
		return Quote{}, fmt.Errorf("quote is too large (over 1 MiB, received: %d bytes)", quoteLength)
	}

	body, err := ParseQuoteBody(rawQuote)
	if err != nil {
		return Quote{}, err
	}

	signatureLength := binary.LittleEndian.Uint32(rawQuote[QuoteBodySize:QuoteMinSize])
	endSignature := uint64(QuoteMinSize) + uint64(signatureLength)
	if endSignature > uint64(quoteLength) {
		return Quote{}, fmt.Errorf("quote SignatureLen is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", signatureLength, quoteLength-QuoteMinSize)
	}

	return Quote{
		Body:         body,
		SignatureLen: signatureLength,
		Signature:    rawQuote[QuoteMinSize:endSignature],
	}, nil
}

// Marshal serializes a complete quote including the signature.
func (q *Quote) Marshal() []byte {
	body := q.Body.Marshal()
	result := make([]byte, QuoteMinSize+len(q.Signature))
	copy(result[0:QuoteBodySize], body[:])
	binary.LittleEndian.PutUint32(result[QuoteBodySize:QuoteMinSize], q.SignatureLen)
	copy(result[QuoteMinSize:], q.Signature)
	return result
}
