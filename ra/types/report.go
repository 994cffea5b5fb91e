package types

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// QuoteStatus is the verdict the attestation reporting service returns for
// the enclave quote.
type QuoteStatus string

// Quote statuses returned by the reporting service.
const (
	QuoteOK                         QuoteStatus = "OK"
	QuoteSignatureInvalid           QuoteStatus = "SIGNATURE_INVALID"
	QuoteGroupRevoked               QuoteStatus = "GROUP_REVOKED"
	QuoteSignatureRevoked           QuoteStatus = "SIGNATURE_REVOKED"
	QuoteKeyRevoked                 QuoteStatus = "KEY_REVOKED"
	QuoteSigRLVersionMismatch       QuoteStatus = "SIGRL_VERSION_MISMATCH"
	QuoteGroupOutOfDate             QuoteStatus = "GROUP_OUT_OF_DATE"
	QuoteConfigurationNeeded        QuoteStatus = "CONFIGURATION_NEEDED"
	QuoteSWHardeningNeeded          QuoteStatus = "SW_HARDENING_NEEDED"
	QuoteConfigAndSWHardeningNeeded QuoteStatus = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

// PSEStatus is the verdict for the platform services manifest, present only
// when the verifier requested platform services.
type PSEStatus string

// PSE manifest statuses returned by the reporting service.
const (
	PSEOK                PSEStatus = "OK"
	PSEUnknown           PSEStatus = "UNKNOWN"
	PSEInvalid           PSEStatus = "INVALID"
	PSEOutOfDate         PSEStatus = "OUT_OF_DATE"
	PSERevoked           PSEStatus = "REVOKED"
	PSERLVersionMismatch PSEStatus = "RL_VERSION_MISMATCH"
)

// IASReport is a parsed attestation verification report.
type IASReport struct {
	ReportID         string
	Timestamp        string
	Version          uint16
	ISVStatus        QuoteStatus
	RevocationReason uint32
	PSEStatus        PSEStatus
	PSEHash          *[32]byte
	Nonce            string
	AdvisoryURL      string
	AdvisoryIDs      []string
	Quote            QuoteBody
	// RawQuoteBody is the quote region exactly as it appeared in the report,
	// kept for byte comparison against the quote submitted in msg3.
	RawQuoteBody [QuoteBodySize]byte
}

// UnmarshalJSON parses a report from the JSON document signed by the
// reporting service.
func (r *IASReport) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID               string   `json:"id"`
		Timestamp        string   `json:"timestamp"`
		Version          uint16   `json:"version"`
		QuoteStatus      string   `json:"isvEnclaveQuoteStatus"`
		QuoteBody        string   `json:"isvEnclaveQuoteBody"`
		RevocationReason uint32   `json:"revocationReason"`
		PSEStatus        string   `json:"pseManifestStatus"`
		PSEHash          string   `json:"pseManifestHash"`
		Nonce            string   `json:"nonce"`
		AdvisoryURL      string   `json:"advisoryURL"`
		AdvisoryIDs      []string `json:"advisoryIDs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling report: %w", err)
	}

	quoteRaw, err := base64.StdEncoding.DecodeString(raw.QuoteBody)
	if err != nil {
		return fmt.Errorf("decoding isvEnclaveQuoteBody: %w", err)
	}
	if len(quoteRaw) != QuoteBodySize {
		return fmt.Errorf("isvEnclaveQuoteBody has unexpected size (expected: %d bytes, got: %d bytes)", QuoteBodySize, len(quoteRaw))
	}
	quote, err := ParseQuoteBody(quoteRaw)
	if err != nil {
		return fmt.Errorf("parsing isvEnclaveQuoteBody: %w", err)
	}

	var pseHash *[32]byte
	if raw.PSEHash != "" {
		hashRaw, err := hex.DecodeString(raw.PSEHash)
		if err != nil {
			return fmt.Errorf("decoding pseManifestHash: %w", err)
		}
		if len(hashRaw) != 32 {
			return fmt.Errorf("pseManifestHash has unexpected size (expected: 32 bytes, got: %d bytes)", len(hashRaw))
		}
		hash := [32]byte(hashRaw)
		pseHash = &hash
	}

	*r = IASReport{
		ReportID:         raw.ID,
		Timestamp:        raw.Timestamp,
		Version:          raw.Version,
		ISVStatus:        QuoteStatus(raw.QuoteStatus),
		RevocationReason: raw.RevocationReason,
		PSEStatus:        PSEStatus(raw.PSEStatus),
		PSEHash:          pseHash,
		Nonce:            raw.Nonce,
		AdvisoryURL:      raw.AdvisoryURL,
		AdvisoryIDs:      raw.AdvisoryIDs,
		Quote:            quote,
		RawQuoteBody:     [QuoteBodySize]byte(quoteRaw),
	}
	return nil
}

/*
   msg4 report encoding

   msg4 is sealed before transmission, so unlike msg0-msg3 it is not a single
   packed struct. The plaintext is the report in the self-delimiting layout
   below, followed by the final is_accepted byte:

     report_id     u16 len || bytes
     timestamp     u16 len || bytes
     version       u16
     isv_status    u8 len  || bytes
     pse_status    u8 len  || bytes
     revocation    u32
     pse_hash      u8 flag [|| 32 bytes]
     quote_body    432 bytes
     advisory_ids  u16 len || bytes (comma separated)
     advisory_url  u16 len || bytes
     nonce         u8 len  || bytes
     is_accepted   u8
*/

// Msg4 is the service provider's attestation verdict: the report it received
// from the reporting service and whether it accepted the peer.
type Msg4 struct {
	Report     IASReport
	IsAccepted uint8
}

// Marshal serializes Msg4 into the plaintext that is sealed for transmission.
func (m *Msg4) Marshal() []byte {
	var buf []byte
	buf = appendString16(buf, m.Report.ReportID)
	buf = appendString16(buf, m.Report.Timestamp)
	buf = binary.LittleEndian.AppendUint16(buf, m.Report.Version)
	buf = appendString8(buf, string(m.Report.ISVStatus))
	buf = appendString8(buf, string(m.Report.PSEStatus))
	buf = binary.LittleEndian.AppendUint32(buf, m.Report.RevocationReason)
	if m.Report.PSEHash != nil {
		buf = append(buf, 1)
		buf = append(buf, m.Report.PSEHash[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, m.Report.RawQuoteBody[:]...)
	buf = appendString16(buf, strings.Join(m.Report.AdvisoryIDs, ","))
	buf = appendString16(buf, m.Report.AdvisoryURL)
	buf = appendString8(buf, m.Report.Nonce)
	buf = append(buf, m.IsAccepted)
	return buf
}

// ParseMsg4 parses Msg4 from an unsealed plaintext.
func ParseMsg4(raw []byte) (Msg4, error) {
	r := &byteReader{buf: raw}

	reportID := r.string16()
	timestamp := r.string16()
	version := r.uint16()
	isvStatus := r.string8()
	pseStatus := r.string8()
	revocation := r.uint32()

	var pseHash *[32]byte
	if r.uint8() != 0 {
		hash := r.bytes(32)
		if hash != nil {
			h := [32]byte(hash)
			pseHash = &h
		}
	}

	quoteRaw := r.bytes(QuoteBodySize)
	advisoryIDs := r.string16()
	advisoryURL := r.string16()
	nonce := r.string8()
	isAccepted := r.uint8()

	if r.failed {
		return Msg4{}, fmt.Errorf("msg4 is too short to be parsed (received: %d bytes)", len(raw))
	}
	if r.remaining() != 0 {
		return Msg4{}, fmt.Errorf("msg4 has %d trailing bytes", r.remaining())
	}

	quote, err := ParseQuoteBody(quoteRaw)
	if err != nil {
		return Msg4{}, err
	}

	var advisories []string
	if advisoryIDs != "" {
		advisories = strings.Split(advisoryIDs, ",")
	}

	return Msg4{
		Report: IASReport{
			ReportID:         reportID,
			Timestamp:        timestamp,
			Version:          version,
			ISVStatus:        QuoteStatus(isvStatus),
			RevocationReason: revocation,
			PSEStatus:        PSEStatus(pseStatus),
			PSEHash:          pseHash,
			Nonce:            nonce,
			AdvisoryURL:      advisoryURL,
			AdvisoryIDs:      advisories,
			Quote:            quote,
			RawQuoteBody:     [QuoteBodySize]byte(quoteRaw),
		},
		IsAccepted: isAccepted,
	}, nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendString8(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

// byteReader is a cursor over a msg4 plaintext. Any short read marks the
// reader failed; callers check once after the last field.
type byteReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) bytes(n int) []byte {
	if r.failed || r.remaining() < n {
		r.failed = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) uint8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *byteReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) string8() string {
	return string(r.bytes(int(r.uint8())))
}

func (r *byteReader) string16() string {
	return string(r.bytes(int(r.uint16())))
}
