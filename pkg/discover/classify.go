// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package discover

import (
	"bytes"
	"debug/elf"
	"path/filepath"
	"strings"
)

// classify inspects the first bytes of a file (head) plus its name to
// assign a Kind, per spec.md section 4.D ("inspects the first bytes to
// classify"). Name is consulted only where the magic bytes do not decide:
// proguard mappings (a .txt whose name contains "mapping"), and as a
// fallback for .pdb and .sym files and for source-file extensions.
func classify(head []byte, name string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0xca, 0xfe, 0xba, 0xbe}):
		// Mach-O fat binary magic; dSYM bundles carry this at the Mach-O
		// member inside Contents/Resources/DWARF/.
		return KindDsym, nil
	case len(head) >= 4 && (bytes.Equal(head[:4], []byte{0xfe, 0xed, 0xfa, 0xce}) ||
		bytes.Equal(head[:4], []byte{0xfe, 0xed, 0xfa, 0xcf}) ||
		bytes.Equal(head[:4], []byte{0xce, 0xfa, 0xed, 0xfe}) ||
		bytes.Equal(head[:4], []byte{0xcf, 0xfa, 0xed, 0xfe})):
		return KindDsym, nil
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0x7f, 'E', 'L', 'F'}):
		return KindElf, nil
	case len(head) >= 2 && head[0] == 'M' && head[1] == 'Z':
		return KindPE, nil
	case len(head) >= 4 && bytes.Equal(head[:4], []byte("BSJB")):
		return KindPortablePDB, nil
	case len(head) >= 7 && bytes.Equal(head[:7], []byte("Microso")):
		return KindPDB, nil
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0x00, 0x61, 0x73, 0x6d}):
		return KindWasm, nil
	case len(head) >= 6 && bytes.Equal(head[:6], []byte("MODULE")):
		return KindBreakpad, nil
	case ext == ".txt" && strings.Contains(strings.ToLower(name), "mapping"):
		return KindProguard, nil
	case ext == ".pdb":
		// PDB magic not found in head (truncated read or MSF v1); fall
		// back on extension.
		return KindPDB, nil
	case ext == ".sym":
		return KindBreakpad, nil
	case ext == ".c" || ext == ".cc" || ext == ".cpp" || ext == ".h" || ext == ".hpp" || ext == ".rs" || ext == ".go" || ext == ".swift":
		return KindSources, nil
	}
	return KindUnknown, nil
}

// classifyClass assigns a Class to kind, the object-class dimension of
// spec.md section 4.D's filter set, grounded on original_source's
// upload_dif.rs (ObjectClass::Executable/Library/Debug). Kinds that never
// carry that distinction (sources, proguard) return ClassNone, which
// Filter always lets through. f is consulted only for KindElf, where the
// class depends on the ELF header and section table, not just the magic
// bytes; any other kind ignores it.
func classifyClass(f elfReaderAt, kind Kind) (Class, error) {
	switch kind {
	case KindElf:
		return classifyELFClass(f)
	case KindDsym, KindPDB, KindPortablePDB, KindBreakpad:
		return ClassDebug, nil
	case KindPE, KindWasm:
		return ClassExecutable, nil
	default:
		return ClassNone, nil
	}
}

// elfReaderAt is the subset of *os.File that debug/elf.NewFile needs.
type elfReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// classifyZipMemberClass assigns a Class to a zip member, per kind alone:
// zip members are read through a non-seekable zip.File reader, so the ELF
// header/section introspection classifyELFClass does isn't available;
// ClassNone for an ELF member means the class filter always lets it
// through rather than guessing wrong.
func classifyZipMemberClass(kind Kind) Class {
	switch kind {
	case KindDsym, KindPDB, KindPortablePDB, KindBreakpad:
		return ClassDebug
	case KindPE, KindWasm:
		return ClassExecutable
	default:
		return ClassNone
	}
}

// classifyELFClass reads the ELF header's e_type and section table: a
// statically/dynamically linked object is Executable or Library, and the
// presence of DWARF (.debug_*) or unwind (.eh_frame*, .debug_frame)
// sections additionally sets Debug/Unwind — an ELF file commonly carries
// more than one bit (e.g. an unstripped executable is both Executable and
// Debug).
func classifyELFClass(f elfReaderAt) (Class, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		// Not parseable as ELF despite the magic (e.g. truncated read);
		// fall back to "debug only" rather than erroring the whole walk.
		return ClassDebug, nil
	}
	defer ef.Close()

	var c Class
	switch ef.Type {
	case elf.ET_EXEC:
		c |= ClassExecutable
	case elf.ET_DYN:
		c |= ClassLibrary
	}
	for _, sec := range ef.Sections {
		switch {
		case sec.Name == ".debug_frame":
			c |= ClassDebug | ClassUnwind
		case strings.HasPrefix(sec.Name, ".debug_"):
			c |= ClassDebug
		case sec.Name == ".eh_frame" || sec.Name == ".eh_frame_hdr":
			c |= ClassUnwind
		}
	}
	return c, nil
}
