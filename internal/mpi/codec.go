package mpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/smhr/gandalf/internal/particle"
	"github.com/smhr/gandalf/internal/tree"
)

// Wire framing: every message starts with a fixed little-endian header
// followed by the record counts and the packed fixed-width records.
//
//	[magic u32][version u16][flags u16][npart i32][ncell i32][cells][particles]
const (
	wireMagic   uint32 = 0x464C4447 // "GDLF"
	wireVersion uint16 = 1
)

// Message kinds carried in the low byte of the header flags; the high
// byte carries the sender's spatial dimensionality.
const (
	kindPruned uint16 = iota + 1
	kindExport
	kindReturn
)

type wireHeader struct {
	Magic   uint32
	Version uint16
	Flags   uint16
	Npart   int32
	Ncell   int32
}

// CellRecord is the on-wire cell summary.
type CellRecord struct {
	Level         int32
	N             int32
	IFirst, ILast int32
	C1, C2, CNext int32
	_             int32 // pad to 8-byte alignment
	BBMin, BBMax  [3]float64
	R, V          [3]float64
	M, Hmax       float64
	RMax          float64
	CDistSqd      float64
	MAC           float64
	Worktot       float64
	Q             [5]float64
}

// PartRecord is the on-wire particle payload for exports.
type PartRecord struct {
	R, V             [3]float64
	M, H, InvH       float64
	Rho, U           float64
	Press, Sound     float64
	GPot             float64
	Level, IOrig     int32
	LevelNeib, NLast int32
}

// ReturnRecord carries the accumulators computed on a remote rank back
// to the particle's owner.
type ReturnRecord struct {
	A, AGrav   [3]float64
	GPot, GPE  float64
	DUdt, DivV float64
	LevelNeib  int32
	IOrig      int32
}

func packFlags(kind uint16, ndim int) uint16 {
	return kind | uint16(ndim)<<8
}

func encode(kind uint16, ndim int, ncell, npart int, cells []CellRecord, body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	hdr := wireHeader{
		Magic:   wireMagic,
		Version: wireVersion,
		Flags:   packFlags(kind, ndim),
		Npart:   int32(npart),
		Ncell:   int32(ncell),
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if len(cells) > 0 {
		if err := binary.Write(&buf, binary.LittleEndian, cells); err != nil {
			return nil, err
		}
	}
	if body != nil {
		if err := binary.Write(&buf, binary.LittleEndian, body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeHeader(r *bytes.Reader, wantKind uint16) (wireHeader, int, error) {
	var hdr wireHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, 0, fmt.Errorf("mpi: short message header: %w", err)
	}
	if hdr.Magic != wireMagic {
		return hdr, 0, fmt.Errorf("mpi: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != wireVersion {
		return hdr, 0, fmt.Errorf("mpi: unsupported wire version %d", hdr.Version)
	}
	if hdr.Flags&0xff != wantKind {
		return hdr, 0, fmt.Errorf("mpi: unexpected message kind %d, want %d", hdr.Flags&0xff, wantKind)
	}
	if hdr.Npart < 0 || hdr.Ncell < 0 {
		return hdr, 0, fmt.Errorf("mpi: negative record count")
	}
	return hdr, int(hdr.Flags >> 8), nil
}

func cellToRecord(c *tree.Cell) CellRecord {
	return CellRecord{
		Level: int32(c.Level), N: int32(c.N),
		IFirst: int32(c.IFirst), ILast: int32(c.ILast),
		C1: int32(c.C1), C2: int32(c.C2), CNext: int32(c.CNext),
		BBMin: c.BB.Min, BBMax: c.BB.Max,
		R: c.R, V: c.V,
		M: c.M, Hmax: c.Hmax, RMax: c.RMax,
		CDistSqd: c.CDistSqd, MAC: c.MAC, Worktot: c.Worktot,
		Q: c.Q,
	}
}

func recordToCell(r *CellRecord) tree.Cell {
	c := tree.Cell{
		Level: int(r.Level), N: int(r.N),
		IFirst: int(r.IFirst), ILast: int(r.ILast),
		C1: int(r.C1), C2: int(r.C2), CNext: int(r.CNext),
		M: r.M, Hmax: r.Hmax, RMax: r.RMax,
		CDistSqd: r.CDistSqd, MAC: r.MAC, Worktot: r.Worktot,
		Q: r.Q,
	}
	c.BB.Min, c.BB.Max = r.BBMin, r.BBMax
	c.R, c.V = r.R, r.V
	return c
}

func partToRecord(p *particle.Particle) PartRecord {
	return PartRecord{
		R: p.R, V: p.V,
		M: p.M, H: p.H, InvH: p.InvH,
		Rho: p.Rho, U: p.U,
		Press: p.Press, Sound: p.Sound,
		GPot:  p.GPot,
		Level: int32(p.Level), IOrig: int32(p.IOrig),
		LevelNeib: int32(p.LevelNeib), NLast: int32(p.NLast),
	}
}

func recordToPart(r *PartRecord) particle.Particle {
	p := particle.Particle{
		M: r.M, H: r.H, InvH: r.InvH,
		Rho: r.Rho, U: r.U,
		Press: r.Press, Sound: r.Sound,
		GPot:  r.GPot,
		Level: int(r.Level), IOrig: int(r.IOrig),
		LevelNeib: int(r.LevelNeib), NLast: int(r.NLast),
	}
	p.R, p.V = r.R, r.V
	return p
}
