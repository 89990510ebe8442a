// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package discover

import (
	"bufio"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"
)

// extractDebugID opens path and reads just enough to derive its debug id,
// per spec.md section 4.D ("reads just enough of the file to extract its
// debug-id without loading the whole file"). Formats that require random
// access (ELF build-id notes, Mach-O LC_UUID, PE CodeView debug directory)
// use the debug/elf, debug/macho and debug/pe stdlib readers, which seek
// rather than buffer the whole image; breakpad and proguard only need a
// bounded prefix/whole-file hash respectively.
func extractDebugID(path string, kind Kind) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return extractDebugIDFromReaderAt(f, kind)
}

func extractDebugIDFromReader(r io.Reader, kind Kind) (string, error) {
	switch kind {
	case KindBreakpad:
		return breakpadModuleID(r)
	case KindProguard:
		return proguardUUID(r)
	default:
		// Formats needing random access can't be derived from a
		// streaming zip member reader without buffering; zip members of
		// those kinds are kept with an empty id and no diagnostic.
		return "", errors.Reason("debug id extraction for kind %q requires a seekable file", kind).Err()
	}
}

type readerAt interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

func extractDebugIDFromReaderAt(f readerAt, kind Kind) (string, error) {
	switch kind {
	case KindElf:
		return elfBuildID(f)
	case KindDsym:
		return machoUUID(f)
	case KindPE:
		return peCodeViewID(f)
	case KindBreakpad:
		return breakpadModuleID(f)
	case KindProguard:
		return proguardUUID(f)
	default:
		return "", nil
	}
}

// elfBuildID reads the NT_GNU_BUILD_ID note from the .note.gnu.build-id
// section and formats it as a debug id, matching sentry's convention of the raw
// build-id bytes hex-encoded.
func elfBuildID(f readerAt) (string, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return "", errors.Annotate(err, "parsing elf").Err()
	}
	defer ef.Close()

	for _, sec := range ef.Sections {
		if sec.Name != ".note.gnu.build-id" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return "", err
		}
		id, ok := parseBuildIDNote(data)
		if !ok {
			continue
		}
		return hex.EncodeToString(id), nil
	}
	return "", errors.Reason("no .note.gnu.build-id section").Err()
}

// parseBuildIDNote parses an ELF note section looking for a NT_GNU_BUILD_ID
// (type 3) entry with name "GNU", per the standard ELF note layout: four
// byte namesz/descsz/type fields (native-endian, but GNU notes are always
// little-endian in practice), then the name padded to 4 bytes, then the
// descriptor padded to 4 bytes.
func parseBuildIDNote(data []byte) ([]byte, bool) {
	const noteHeaderSize = 12
	for len(data) >= noteHeaderSize {
		namesz := le32(data[0:4])
		descsz := le32(data[4:8])
		typ := le32(data[8:12])
		data = data[noteHeaderSize:]

		namePadded := align4(namesz)
		if uint64(len(data)) < namePadded {
			return nil, false
		}
		name := data[:namesz]
		data = data[namePadded:]

		descPadded := align4(descsz)
		if uint64(len(data)) < descPadded {
			return nil, false
		}
		desc := data[:descsz]
		data = data[descPadded:]

		if typ == 3 && string(trimNulSuffix(name)) == "GNU" {
			return desc, true
		}
	}
	return nil, false
}

func le32(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

func trimNulSuffix(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// machoUUID reads the LC_UUID load command.
func machoUUID(f readerAt) (string, error) {
	mf, err := macho.NewFile(f)
	if err != nil {
		return "", errors.Annotate(err, "parsing macho").Err()
	}
	defer mf.Close()

	for _, load := range mf.Loads {
		raw, ok := load.(macho.LoadBytes)
		if !ok {
			continue
		}
		b := []byte(raw)
		if len(b) < 8 {
			continue
		}
		cmd := le32(b[0:4])
		const lcUUID = 0x1b
		if cmd != lcUUID || len(b) < 24 {
			continue
		}
		id, err := uuid.FromBytes(b[8:24])
		if err != nil {
			continue
		}
		return id.String(), nil
	}
	return "", errors.Reason("no LC_UUID load command").Err()
}

// peCodeViewID reads the PE debug directory's CodeView entry (a PDB70
// record: signature "RSDS", a 16-byte GUID, then an age and the PDB path),
// and formats id+age as sentry's PE debug-id convention.
func peCodeViewID(f readerAt) (string, error) {
	pf, err := pe.NewFile(f)
	if err != nil {
		return "", errors.Annotate(err, "parsing pe").Err()
	}
	defer pf.Close()

	// The debug directory's exact RVA/size live in the optional header,
	// which differs in layout between PE32 and PE32+; both expose it via
	// the common DataDirectory slice at index 6 (IMAGE_DIRECTORY_ENTRY_DEBUG).
	const debugDirIndex = 6
	var rva, size uint32
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if len(oh.DataDirectory) > debugDirIndex {
			rva = oh.DataDirectory[debugDirIndex].VirtualAddress
			size = oh.DataDirectory[debugDirIndex].Size
		}
	case *pe.OptionalHeader64:
		if len(oh.DataDirectory) > debugDirIndex {
			rva = oh.DataDirectory[debugDirIndex].VirtualAddress
			size = oh.DataDirectory[debugDirIndex].Size
		}
	}
	if rva == 0 || size == 0 {
		return "", errors.Reason("no debug directory").Err()
	}

	for _, sec := range pf.Sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return "", err
		}
		off := rva - sec.VirtualAddress
		if uint32(len(data)) < off+size {
			return "", errors.Reason("debug directory out of section bounds").Err()
		}
		entries := data[off : off+size]
		const entrySize = 28
		for len(entries) >= entrySize {
			// IMAGE_DEBUG_DIRECTORY: Characteristics, TimeDateStamp,
			// MajorVersion, MinorVersion, Type, SizeOfData, AddressOfRawData, PointerToRawData
			typ := le32(entries[12:16])
			pointerToRawData := le32(entries[24:28])
			const imageDebugTypeCodeview = 2
			if typ == imageDebugTypeCodeview {
				cv, err := readAt(f, int64(pointerToRawData), 24)
				if err == nil && len(cv) >= 24 && string(cv[:4]) == "RSDS" {
					id, err := uuid.FromBytes(swapGUIDToBigEndian(cv[4:20]))
					if err == nil {
						age := le32(cv[20:24])
						return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")) + formatAge(uint32(age)), nil
					}
				}
			}
			entries = entries[entrySize:]
		}
	}
	return "", errors.Reason("no CodeView debug entry found").Err()
}

func readAt(f readerAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// swapGUIDToBigEndian converts a Microsoft GUID's mixed-endian wire layout
// (first three fields little-endian, last two big-endian) into the
// canonical big-endian byte order uuid.FromBytes expects.
func swapGUIDToBigEndian(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func formatAge(age uint32) string {
	const hextable = "0123456789abcdef"
	if age == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for age > 0 {
		i--
		buf[i] = hextable[age&0xf]
		age >>= 4
	}
	return string(buf[i:])
}

// breakpadModuleID reads the first line of a breakpad .sym file:
// "MODULE <os> <arch> <debug-id> <debug-file>".
func breakpadModuleID(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return "", errors.Reason("empty breakpad symbol file").Err()
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 4 || fields[0] != "MODULE" {
		return "", errors.Reason("malformed MODULE line").Err()
	}
	return fields[3], nil
}

// proguardUUID derives a UUID-5 of the mapping file's bytes, per spec.md
// section 4.H's proguard special case.
func proguardUUID(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(proguardNamespace, data).String(), nil
}

// proguardNamespace is a fixed namespace UUID used to derive proguard
// mapping-file debug ids deterministically (spec.md section 4.H: "the
// debug_id is derived as a UUID-5 of its bytes").
var proguardNamespace = uuid.MustParse("c921bf6b-0a97-5ea1-bd2b-b62a9e33e091")
