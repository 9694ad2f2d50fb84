package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Magic identifies a params file. The trailing byte leaves room for a
// package-name length prefix immediately after it (§6 "3-byte magic `1D
// 78` + package-name ASCII" is read here as magic[0..1] plus a
// length-prefixed name, since only two magic bytes are ever quoted).
var Magic = [2]byte{0x1D, 0x78}

// FormatVersion is the fixed version stamp every params file carries.
const FormatVersion uint32 = 0x3141592e

// Flag bits within Superblock.Flags.
const (
	FlagStemmedPorters uint8 = 1 << 0
	FlagStemmedEDS     uint8 = 1 << 1
	FlagStemmedLight   uint8 = 1 << 2
	FlagBuilt          uint8 = 1 << 3
	FlagSorted         uint8 = 1 << 4
	FlagSource         uint8 = 1 << 5
)

// StorageParams mirrors the tunables baked into a built index, so a
// reader never has to re-derive them from a separately-shipped config.
type StorageParams struct {
	PageSize       uint32
	MaxFilesize    uint32
	VocabLsize     uint32
	FileLsize      uint32
	MaxTermLen     uint32
	BtleafStrategy uint32
	BtnodeStrategy uint32
	BigEndian      uint32
}

// RepoEntry names one source repository contributing documents to the
// index, by id and path.
type RepoEntry struct {
	ReposID uint32
	Path    string
}

// Superblock is the params file's full decoded contents (§6).
type Superblock struct {
	PackageName string
	Flags       uint8

	Repos     uint32
	Vectors   uint32
	Vocabs    uint32
	ReposPos  uint32

	TermsHigh uint32
	TermsLow  uint32
	Updates   uint32

	AvgWeight float64
	AvgLength float64
	AvgFT     float64
	Slope     float64

	QuantBits uint32
	WQtMin    float64
	WQtMax    float64

	DocOrderVectors         uint32
	DocOrderWordPosVectors  uint32
	ImpactVectors           uint32

	RootFileno uint32
	RootOffset uint32
	Terms      uint32

	Storage StorageParams

	Config []byte
	RepoList []RepoEntry
}

// putDouble stores v as a (mantissa, exponent) pair per §6: frexp splits
// v into a normalized fraction in [0.5, 1) and a power-of-two exponent,
// then the fraction is scaled into a signed 32-bit range so it survives
// the round trip through two plain u32 fields.
func putDouble(dst []byte, v float64) {
	frac, exp := math.Frexp(v)
	mant := int32(frac * (1 << 31))
	binary.BigEndian.PutUint32(dst[0:4], uint32(mant))
	binary.BigEndian.PutUint32(dst[4:8], uint32(int32(exp)))
}

func getDouble(src []byte) float64 {
	mant := int32(binary.BigEndian.Uint32(src[0:4]))
	exp := int32(binary.BigEndian.Uint32(src[4:8]))
	frac := float64(mant) / (1 << 31)
	return math.Ldexp(frac, int(exp))
}

// EncodeSuperblock appends the bit-exact params file encoding of sb to
// dst and returns the result.
func EncodeSuperblock(dst []byte, sb *Superblock) []byte {
	dst = append(dst, Magic[0], Magic[1], byte(len(sb.PackageName)))
	dst = append(dst, sb.PackageName...)

	var u32 [4]byte
	putU32BE := func(v uint32) {
		binary.BigEndian.PutUint32(u32[:], v)
		dst = append(dst, u32[:]...)
	}

	putU32BE(FormatVersion)
	dst = append(dst, sb.Flags)
	putU32BE(sb.Repos)
	putU32BE(sb.Vectors)
	putU32BE(sb.Vocabs)
	putU32BE(sb.ReposPos)
	putU32BE(sb.TermsHigh)
	putU32BE(sb.TermsLow)
	putU32BE(sb.Updates)

	var d [8]byte
	putD := func(v float64) {
		putDouble(d[:], v)
		dst = append(dst, d[:]...)
	}
	putD(sb.AvgWeight)
	putD(sb.AvgLength)
	putD(sb.AvgFT)
	putD(sb.Slope)

	putU32BE(sb.QuantBits)
	putD(sb.WQtMin)
	putD(sb.WQtMax)

	putU32BE(sb.DocOrderVectors)
	putU32BE(sb.DocOrderWordPosVectors)
	putU32BE(sb.ImpactVectors)

	putU32BE(sb.RootFileno)
	putU32BE(sb.RootOffset)
	putU32BE(sb.Terms)

	putU32BE(sb.Storage.PageSize)
	putU32BE(sb.Storage.MaxFilesize)
	putU32BE(sb.Storage.VocabLsize)
	putU32BE(sb.Storage.FileLsize)
	putU32BE(sb.Storage.MaxTermLen)
	putU32BE(sb.Storage.BtleafStrategy)
	putU32BE(sb.Storage.BtnodeStrategy)
	putU32BE(sb.Storage.BigEndian)

	putU32BE(uint32(len(sb.Config)))
	dst = append(dst, sb.Config...)

	for _, r := range sb.RepoList {
		putU32BE(r.ReposID)
		putU32BE(uint32(len(r.Path)))
		dst = append(dst, r.Path...)
	}

	return dst
}

// DecodeSuperblock decodes a params file previously written by
// EncodeSuperblock. Repository entries are read until buf is exhausted.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	var sb Superblock
	if len(buf) < 3 || buf[0] != Magic[0] || buf[1] != Magic[1] {
		return sb, fmt.Errorf("codec: superblock: bad magic")
	}
	nameLen := int(buf[2])
	p := 3
	if len(buf) < p+nameLen {
		return sb, fmt.Errorf("codec: superblock: truncated package name")
	}
	sb.PackageName = string(buf[p : p+nameLen])
	p += nameLen

	need := func(n int) error {
		if len(buf) < p+n {
			return fmt.Errorf("codec: superblock: truncated at offset %d, need %d more bytes", p, n)
		}
		return nil
	}
	readU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(buf[p : p+4])
		p += 4
		return v, nil
	}
	readDouble := func() (float64, error) {
		if err := need(8); err != nil {
			return 0, err
		}
		v := getDouble(buf[p : p+8])
		p += 8
		return v, nil
	}

	version, err := readU32()
	if err != nil {
		return sb, err
	}
	if version != FormatVersion {
		return sb, fmt.Errorf("codec: superblock: unexpected format_version 0x%08x", version)
	}
	if err := need(1); err != nil {
		return sb, err
	}
	sb.Flags = buf[p]
	p++

	var ferr error
	assignU32 := func(dst *uint32) {
		if ferr != nil {
			return
		}
		*dst, ferr = readU32()
	}
	assignD := func(dst *float64) {
		if ferr != nil {
			return
		}
		*dst, ferr = readDouble()
	}

	assignU32(&sb.Repos)
	assignU32(&sb.Vectors)
	assignU32(&sb.Vocabs)
	assignU32(&sb.ReposPos)
	assignU32(&sb.TermsHigh)
	assignU32(&sb.TermsLow)
	assignU32(&sb.Updates)
	assignD(&sb.AvgWeight)
	assignD(&sb.AvgLength)
	assignD(&sb.AvgFT)
	assignD(&sb.Slope)
	assignU32(&sb.QuantBits)
	assignD(&sb.WQtMin)
	assignD(&sb.WQtMax)
	assignU32(&sb.DocOrderVectors)
	assignU32(&sb.DocOrderWordPosVectors)
	assignU32(&sb.ImpactVectors)
	assignU32(&sb.RootFileno)
	assignU32(&sb.RootOffset)
	assignU32(&sb.Terms)
	assignU32(&sb.Storage.PageSize)
	assignU32(&sb.Storage.MaxFilesize)
	assignU32(&sb.Storage.VocabLsize)
	assignU32(&sb.Storage.FileLsize)
	assignU32(&sb.Storage.MaxTermLen)
	assignU32(&sb.Storage.BtleafStrategy)
	assignU32(&sb.Storage.BtnodeStrategy)
	assignU32(&sb.Storage.BigEndian)
	if ferr != nil {
		return sb, ferr
	}

	configLen, err := readU32()
	if err != nil {
		return sb, err
	}
	if err := need(int(configLen)); err != nil {
		return sb, err
	}
	sb.Config = append([]byte(nil), buf[p:p+int(configLen)]...)
	p += int(configLen)

	for p < len(buf) {
		reposID, err := readU32()
		if err != nil {
			return sb, err
		}
		pathLen, err := readU32()
		if err != nil {
			return sb, err
		}
		if err := need(int(pathLen)); err != nil {
			return sb, err
		}
		sb.RepoList = append(sb.RepoList, RepoEntry{ReposID: reposID, Path: string(buf[p : p+int(pathLen)])})
		p += int(pathLen)
	}

	return sb, nil
}
