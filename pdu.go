// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PDU encode/decode for SMS-SUBMIT (outbound) and SMS-DELIVER (inbound),
// per 3GPP 23.040 / 03.38.
//
// Generalized from a decode-only pdu.go (which only ever had
// to understand inbound PDUs for forwarding to Telegram) into a full
// bidirectional codec, grounded step-for-step on original_source/message.c
// (octet2bin, bin2hexstring, binary2ascii, swapchars, mo_encode_ascii,
// mo_create_pdu). The hand-rolled bit-twiddling style (rather than
// delegating to warthog618/sms) is deliberate: see DESIGN.md's "Dropped
// pack dependencies" entry for why.

const (
	tonUnknown       = 0
	tonInternational = 1
	tonAlphanumeric  = 5

	npiISDN = 1

	maxTextSeptets = 160
	maxBinaryBytes = 140
)

// octet2bin parses two ASCII hex digits into one octet. Case-insensitive
// on input; the codec always emits uppercase.
func octet2bin(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, errors.Errorf("not a hex digit: %q", c)
	}
}

// hexstring2bin decodes an uppercase (or mixed-case) hex ASCII string into
// raw octets.
func hexstring2bin(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.Errorf("odd-length hex string: %d chars", len(s))
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := octet2bin(s[2*i], s[2*i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "at offset %d", 2*i)
		}
		out[i] = b
	}
	return out, nil
}

// bin2hexstring writes uppercase hex, capping input at 140 octets per
// below.
func bin2hexstring(b []byte) string {
	if len(b) > maxBinaryBytes {
		b = b[:maxBinaryBytes]
	}
	return strings.ToUpper(fmt.Sprintf("%x", b))
}

// swapchars nibble-swaps each adjacent pair of hex digits in s
// ("1234" -> "2143"). s must have even length. The address and timestamp
// codecs below work on the BCD octets directly and do not call it.
func swapchars(s string) string {
	b := []byte(s)
	out := make([]byte, len(b))
	for i := 0; i+1 < len(b); i += 2 {
		out[i] = b[i+1]
		out[i+1] = b[i]
	}
	return string(out)
}

// packSeptets packs GSM default-alphabet septets (as produced by
// isoToSeptets, already expanded with ESC escapes for extended
// characters) into octets, bit 0 of septet 0 at bit 0 of octet 0.
func packSeptets(septets []byte) []byte {
	if len(septets) == 0 {
		return nil
	}
	nbytes := (len(septets)*7 + 7) / 8
	out := make([]byte, nbytes)
	bitPos := 0
	for _, s := range septets {
		v := uint16(s&0x7F) << uint(bitPos%8)
		idx := bitPos / 8
		out[idx] |= byte(v)
		if idx+1 < len(out) {
			out[idx+1] |= byte(v >> 8)
		}
		bitPos += 7
	}
	return out
}

// unpackSeptets is the inverse of packSeptets: it reads numSeptets
// 7-bit values out of data, skipping fillBits at the start. When
// stopAtNull is set, unpacking halts at the first NUL (0x00) septet
// (used for address decode).
func unpackSeptets(data []byte, numSeptets, fillBits int, stopAtNull bool) []byte {
	septets := make([]byte, 0, numSeptets)
	bitPos := fillBits
	for len(septets) < numSeptets && bitPos/8 < len(data) {
		byteIdx := bitPos / 8
		bitOffset := bitPos % 8

		cur := int(data[byteIdx]) >> bitOffset
		bitsHave := 8 - bitOffset
		if bitsHave < 7 && byteIdx+1 < len(data) {
			cur |= int(data[byteIdx+1]) << bitsHave
		}
		septet := byte(cur & 0x7F)
		if stopAtNull && septet == 0 {
			break
		}
		septets = append(septets, septet)
		bitPos += 7
	}
	return septets
}

// septetsToISO converts a septet stream (default alphabet, ESC-escaped
// extension) to ISO-8859-1 text. An unescaped ESC (0x1B) switches the
// following septet to the extended table and is itself consumed.
func septetsToISO(septets []byte) []byte {
	out := make([]byte, 0, len(septets))
	escape := false
	for _, s := range septets {
		if !escape && s == 0x1B {
			escape = true
			continue
		}
		if escape {
			out = append(out, extConvert(s, csSMS, csISO))
			escape = false
			continue
		}
		out = append(out, convert(s, csSMS, csISO))
	}
	return out
}

// isoToSeptets converts ISO-8859-1 text to a septet stream, inserting an
// ESC septet before each extended character.
func isoToSeptets(text []byte) []byte {
	out := make([]byte, 0, len(text))
	for _, c := range text {
		if isExtendedISO(c) {
			out = append(out, 0x1B, extConvert(c, csISO, csSMS))
		} else {
			out = append(out, convert(c, csISO, csSMS))
		}
	}
	return out
}

// decodePhoneDigits nibble-swaps addrBytes of BCD digits back to decimal,
// dropping a trailing 'F' pad nibble.
func decodePhoneDigits(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		lo := b & 0x0F
		hi := (b >> 4) & 0x0F
		if lo <= 9 {
			sb.WriteByte('0' + lo)
		}
		if hi <= 9 {
			sb.WriteByte('0' + hi)
		}
	}
	return sb.String()
}

// encodePhoneDigits nibble-swaps decimal digits into BCD octets, padding
// an odd-length digit string with an 'F' nibble.
func encodePhoneDigits(digits string) []byte {
	if len(digits)%2 != 0 {
		digits += "F"
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		hi := digits[2*i+1]
		lo := digits[2*i]
		out[i] = nibbleVal(lo) | nibbleVal(hi)<<4
	}
	return out
}

func nibbleVal(c byte) byte {
	if c == 'F' || c == 'f' {
		return 0x0F
	}
	return c - '0'
}

// bcdDigit decodes one nibble-swapped BCD octet into a two-digit int.
func bcdDigit(b byte) int {
	return int(b&0x0F)*10 + int((b>>4)&0x0F)
}

// DCS alphabet classification.
const (
	alphabetDefault = iota
	alphabetEightBit
	alphabetReservedBinary
)

// classifyDCS implements the three-way DCS decision tree: the
// top two bits select general/reserved/message-waiting groups, and each
// group resolves to either default-alphabet text or binary.
func classifyDCS(dcs byte) (alphabet int, isBinary bool) {
	top2 := dcs >> 6
	switch top2 {
	case 0b00:
		alpha := (dcs >> 2) & 0x03
		if alpha == 0 {
			return alphabetDefault, false
		}
		return alphabetEightBit, true
	case 0b01, 0b10:
		return alphabetReservedBinary, true
	default: // 0b11: message waiting indication group
		subgroup := (dcs >> 4) & 0x03
		if subgroup == 0b11 {
			if dcs&0x04 != 0 {
				return alphabetEightBit, true
			}
			return alphabetDefault, false
		}
		return alphabetDefault, false
	}
}

// Message is the directional SMS record shared by MO and MT paths,
// here.
type Message struct {
	MsgID         string
	Received      time.Time
	Type          int
	PID           byte
	DCS           byte
	IsBinary      bool
	HasUDH        bool
	IsFlash       bool
	RequestReport bool
	Src           string // MT
	Dst           string // MO
	Date          string // MT: YY/MM/DD
	Time          string // MT: HH:MM:SS
	SMSC          string // MT
	Content       []byte
	SpoolFile     string // MO: originating spool path

	// Queue fields (MO only), see queue.go.
	Tries     int
	RetryTime time.Duration
	NextTry   time.Time
	prev      *Message
	next      *Message
	inQueue   bool
}

// DecodePDU decodes an SMS-DELIVER PDU (uppercase or mixed-case hex ASCII)
// into a Message.
func DecodePDU(hexStr string) (*Message, error) {
	data, err := hexstring2bin(strings.TrimSpace(hexStr))
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex")
	}
	if len(data) < 1 {
		return nil, errors.New("empty PDU")
	}

	pos := 0
	m := &Message{Received: time.Now().UTC()}

	// Step 1: SMSC field.
	smscLen := int(data[pos])
	pos++
	if smscLen > 0 {
		if pos+smscLen > len(data) {
			return nil, errors.New("SMSC length exceeds PDU")
		}
		smscToa := data[pos]
		smscDigits := data[pos+1 : pos+smscLen]
		m.SMSC = decodeAddressDigits(smscDigits, (smscLen-1)*2, smscToa)
		pos += smscLen
	}

	// Step 2-3: first octet.
	if pos >= len(data) {
		return nil, errors.New("PDU too short for first octet")
	}
	firstOctet := data[pos]
	pos++
	mti := firstOctet & 0x03
	if mti != 0 {
		return nil, errors.Errorf("not an SMS-DELIVER PDU (MTI=%d)", mti)
	}
	m.Type = int(mti)
	m.HasUDH = firstOctet&0x40 != 0

	// Step 4: originating address. Length is in semi-octets (nibbles);
	// per the resolved-not-copied note, the Go port converts to bytes
	// explicitly rather than comparing a nibble count to a byte bound.
	if pos >= len(data) {
		return nil, errors.New("PDU too short for OA length")
	}
	oaSemiOctets := int(data[pos])
	pos++
	if pos >= len(data) {
		return nil, errors.New("PDU too short for OA type")
	}
	oaToa := data[pos]
	pos++
	oaBytes := (oaSemiOctets + 1) / 2
	if pos+oaBytes > len(data) {
		return nil, errors.New("OA address exceeds PDU")
	}
	m.Src = decodeAddressDigits(data[pos:pos+oaBytes], oaSemiOctets, oaToa)
	pos += oaBytes

	// Step 5: PID, DCS.
	if pos+2 > len(data) {
		return nil, errors.New("PDU too short for PID/DCS")
	}
	m.PID = data[pos]
	pos++
	m.DCS = data[pos]
	pos++
	if m.DCS>>6 == 0 && m.DCS&0x20 != 0 {
		return nil, errors.Errorf("compressed text DCS 0x%02X not supported", m.DCS)
	}
	alphabet, isBinary := classifyDCS(m.DCS)
	m.IsBinary = isBinary

	// Step 6: SCTS.
	if pos+7 > len(data) {
		return nil, errors.New("PDU too short for SCTS")
	}
	m.Date, m.Time = decodeSCTS(data[pos : pos+7])
	pos += 7

	// Step 7: UDL + body. UDH parsing is deliberately out of scope
	// HasUDH is propagated unchanged and the body delivered
	// verbatim, matching the original's documented-but-not-fully-correct
	// behavior rather than silently changing the spool format's meaning.
	if pos >= len(data) {
		return nil, errors.New("PDU too short for UDL")
	}
	udl := int(data[pos])
	pos++
	body := data[pos:]

	if alphabet == alphabetDefault {
		septets := unpackSeptets(body, udl, 0, false)
		m.Content = septetsToISO(septets)
	} else {
		n := udl
		if n > len(body) {
			n = len(body)
		}
		m.Content = append([]byte(nil), body[:n]...)
	}

	return m, nil
}

// decodeAddressDigits decodes an address field of semiOctets nibbles
// encoded in data with type-of-address toa: alphanumeric
// TON is 7-bit-packed text, international TON gets a '+' prefix, anything
// else is nibble-swapped decimal.
func decodeAddressDigits(data []byte, semiOctets int, toa byte) string {
	ton := (toa >> 4) & 0x07
	if ton == tonAlphanumeric {
		numSeptets := (semiOctets * 4) / 7
		septets := unpackSeptets(data, numSeptets, 0, true)
		return string(septetsToISO(septets))
	}
	digits := decodePhoneDigits(data)
	if len(digits) > semiOctets {
		digits = digits[:semiOctets]
	}
	if ton == tonInternational {
		return "+" + digits
	}
	return digits
}

// decodeSCTS decodes the 7-octet Service-Centre Time Stamp into the
// YY/MM/DD and HH:MM:SS display strings; the timezone octet is read but
// not represented ("ignored").
func decodeSCTS(b []byte) (date, clock string) {
	yy := bcdDigit(b[0])
	mo := bcdDigit(b[1])
	dd := bcdDigit(b[2])
	hh := bcdDigit(b[3])
	mm := bcdDigit(b[4])
	ss := bcdDigit(b[5])
	date = fmt.Sprintf("%02d/%02d/%02d", yy, mo, dd)
	clock = fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss)
	return
}

// EncodePDU assembles an SMS-SUBMIT PDU for outbound delivery, per the
// nine steps below. m.Dst is the destination address (optionally
// "+"-prefixed for international TON); when m.DCS is zero it is derived
// from m.IsBinary (text -> 0x00, binary -> 0x04).
func EncodePDU(m *Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("00") // step 1: no SMSC override

	ton := byte(tonUnknown)
	dst := m.Dst
	if strings.HasPrefix(dst, "+") {
		ton = tonInternational
		dst = dst[1:]
	}
	if !isAllDigits(dst) {
		return "", errors.Errorf("destination contains non-digit characters: %q", m.Dst)
	}

	firstOctet := byte(0x01) // MTI=SUBMIT
	firstOctet |= 0x10       // VP present, relative format
	if m.RequestReport {
		firstOctet |= 0x20
	}
	if m.HasUDH && m.IsBinary {
		firstOctet |= 0x40
	}
	sb.WriteString(fmt.Sprintf("%02X", firstOctet)) // step 2

	sb.WriteString("00") // step 3: TP-MR, unused

	// step 4: destination address
	toa := 0x80 | (ton&0x07)<<4 | byte(npiISDN&0x0F)
	sb.WriteString(fmt.Sprintf("%02X", len(dst)))
	sb.WriteString(fmt.Sprintf("%02X", toa))
	// encodePhoneDigits already lays out each octet with the first digit in
	// the low nibble and the second in the high nibble (matching
	// decodePhoneDigits' read order), so no further swap is applied here.
	sb.WriteString(bin2hexstring(encodePhoneDigits(dst)))

	sb.WriteString(fmt.Sprintf("%02X", m.PID)) // step 5

	dcs := m.DCS // step 6
	if dcs == 0 && m.IsBinary {
		dcs = 0x04
	}
	sb.WriteString(fmt.Sprintf("%02X", dcs))

	sb.WriteString("AA") // step 7: TP-VP, ~4 days relative

	if m.IsBinary {
		body := m.Content
		if len(body) > maxBinaryBytes {
			body = body[:maxBinaryBytes]
		}
		sb.WriteString(fmt.Sprintf("%02X", len(body))) // step 8
		sb.WriteString(bin2hexstring(body))             // step 9
	} else {
		septets := isoToSeptets(m.Content)
		if len(septets) > maxTextSeptets {
			septets = septets[:maxTextSeptets]
		}
		sb.WriteString(fmt.Sprintf("%02X", len(septets))) // step 8
		sb.WriteString(bin2hexstring(packSeptets(septets))) // step 9
	}

	return sb.String(), nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

const msgIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// genMsgID implements the message-ID scheme: milliseconds
// since epoch, base-62 encoded MSD-last then reversed to MSD-first, with
// a wrapping two-digit counter appended, and a direction prefix. counter
// is the caller-owned rolling state (a Gateway field, not a package
// global — see DESIGN.md's "Global mutable state" note); it is advanced
// by this call. Grounded on original_source/message.c's
// genmsgid()/msgid_encode().
func genMsgID(prefix string, nowMillis int64, counter *int) string {
	var digits []byte
	n := nowMillis
	if n == 0 {
		digits = append(digits, msgIDAlphabet[0])
	}
	for n > 0 {
		digits = append(digits, msgIDAlphabet[n%62])
		n /= 62
	}
	// digits is currently least-significant-digit-first (MSD-last);
	// reverse it so the final string reads MSD-first.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}

	c := *counter
	*counter = (c + 1) % 100

	return fmt.Sprintf("%s%s%02d", prefix, string(digits), c)
}
