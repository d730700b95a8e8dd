// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

// GSM 03.38 default alphabet and its single-shift extension table.
//
// Grounded on original_source/charset.h (CS_ISO/CS_SMS constants and the
// convert/ext_convert contract); the C implementation of
// the tables themselves (charset.c) was not part of the retrieved source,
// so the 128 code points below are transcribed from the 3GPP 03.38 default
// alphabet description rather than ported line-for-line.

// gsmToISO maps each 7-bit GSM default-alphabet code point to its
// ISO-8859-1 byte. Index 0x1B is the escape-to-extended-table sentinel and
// is never emitted directly by convert(); callers check for it before
// indexing this table.
var gsmToISO = [128]byte{
	'@', 0xA3, '$', 0xA5, 0xE8, 0xE9, 0xF9, 0xEC, 0xF2, 0xC7, '\n', 0xD8, 0xF8, '\r', 0xC5, 0xE5,
	'?', '_', '?', '?', '?', '?', '?', '?', '?', '?', '?', 0x1B, 0xC6, 0xE6, 0xDF, 0xC9,
	' ', '!', '"', '#', 0xA4, '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', ':', ';', '<', '=', '>', '?',
	0xA1, 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O',
	'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z', 0xC4, 0xD6, 0xD1, 0xDC, 0xA7,
	0xBF, 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o',
	'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z', 0xE4, 0xF6, 0xF1, 0xFC, 0xE0,
}

// isoToGSM is the inverse mapping; bytes with no representable GSM code
// point collapse to '?', matching the source's "not representable" policy.
var isoToGSM [256]byte

// extGSMToISO and extISOToGSM implement the 10-entry extension table
// reached via an ESC (0x1B) prefix septet. ext_convert's sentinel for
// "this is not an extended character" is the literal space ' ' — preserved
// here as the zero-value fallback of a map lookup.
var extGSMToISO = map[byte]byte{
	0x0A: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2F: '\\',
	0x3C: '[',
	0x3D: '~',
	0x3E: ']',
	0x40: '|',
	0x65: 0xA4, // not euro in the ISO-8859-1 codepage; closest Latin-1 currency glyph
}

var extISOToGSM map[byte]byte

func init() {
	for i := range isoToGSM {
		isoToGSM[i] = '?'
	}
	for gsm, iso := range gsmToISO {
		// Earlier (lower-indexed) code points win ties, matching a
		// first-match linear scan over the GSM table.
		if isoToGSM[iso] == '?' && iso != '?' {
			isoToGSM[iso] = byte(gsm)
		}
	}
	isoToGSM['?'] = 0x3F

	extISOToGSM = make(map[byte]byte, len(extGSMToISO))
	for gsm, iso := range extGSMToISO {
		extISOToGSM[iso] = gsm
	}
}

// convert translates a single character between CS_ISO and CS_SMS. from/to
// use the same CS_* sense as original_source/charset.h: csISO or csSMS.
func convert(c byte, from, to int) byte {
	if from == to {
		return c
	}
	if from == csSMS && to == csISO {
		if int(c) < len(gsmToISO) {
			return gsmToISO[c]
		}
		return '?'
	}
	if from == csISO && to == csSMS {
		return isoToGSM[c]
	}
	return c
}

// extConvert translates one extended-table character. It returns the
// space character ' ' when c has no extended-table entry for the
// requested direction — that sentinel is part of the wire contract:
// callers must not treat ' ' itself as meaningful extended output.
func extConvert(c byte, from, to int) byte {
	if from == csSMS && to == csISO {
		if v, ok := extGSMToISO[c]; ok {
			return v
		}
		return ' '
	}
	if from == csISO && to == csSMS {
		if v, ok := extISOToGSM[c]; ok {
			return v
		}
		return ' '
	}
	return ' '
}

// isExtendedISO reports whether an ISO-8859-1 byte must be encoded via the
// ESC-prefixed extension table rather than the default alphabet.
func isExtendedISO(c byte) bool {
	_, ok := extISOToGSM[c]
	return ok
}

const (
	csISO = 0 // ISO 8859-1
	csSMS = 1 // GSM 03.38 default alphabet (PDU mode)
)
