package registration

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
)

// ErrMissingField is returned when a PCD document lacks a required field
var ErrMissingField = errors.New("pcd field missing")

var normalFields = [3]string{"normal_x", "normal_y", "normal_z"}

// ReadPCD decodes a PCD document. Fields x, y and z are required; normals are
// read from normal_x, normal_y and normal_z when present and left zero
// otherwise.
func ReadPCD(r io.Reader) (PointCloud, error) {
	pp, err := pc.Unmarshal(r)
	if err != nil {
		return PointCloud{}, fmt.Errorf("decoding pcd: %w", err)
	}
	return fromPCGol(pp)
}

// ReadPCDFile loads a cloud from a PCD file
func ReadPCDFile(path string) (PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return PointCloud{}, fmt.Errorf("reading pcd file: %w", err)
	}
	defer f.Close()

	c, err := ReadPCD(bufio.NewReader(f))
	if err != nil {
		return PointCloud{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// WritePCD encodes the cloud as a binary PCD document with normals
func WritePCD(w io.Writer, c PointCloud) error {
	pp, err := toPCGol(c.Positions, c.Normals)
	if err != nil {
		return err
	}
	if err := pc.Marshal(pp, w); err != nil {
		return fmt.Errorf("encoding pcd: %w", err)
	}
	return nil
}

// WritePCDFile saves the cloud, creating parent directories as needed
func WritePCDFile(path string, c PointCloud) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating pcd directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating pcd file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := WritePCD(bw, c); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing pcd file: %w", err)
	}
	return f.Close()
}

// toPCGol packs positions (and normals when non-nil) into float32 fields
func toPCGol(positions, normals []r3.Vector) (*pc.PointCloud, error) {
	withNormals := normals != nil
	if withNormals && len(normals) != len(positions) {
		return nil, fmt.Errorf("%w: %d positions, %d normals", ErrLengthMismatch, len(positions), len(normals))
	}

	fields := []string{"x", "y", "z"}
	if withNormals {
		fields = append(fields, normalFields[:]...)
	}
	header := pc.PointCloudHeader{
		Version:   0.7,
		Fields:    fields,
		Size:      make([]int, len(fields)),
		Type:      make([]string, len(fields)),
		Count:     make([]int, len(fields)),
		Width:     len(positions),
		Height:    1,
		Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
	}
	for i := range fields {
		header.Size[i], header.Type[i], header.Count[i] = 4, "F", 1
	}
	stride := 4 * len(fields)
	pp := &pc.PointCloud{
		PointCloudHeader: header,
		Points:           len(positions),
		Data:             make([]byte, stride*len(positions)),
	}
	if len(positions) == 0 {
		return pp, nil
	}

	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("pcd iterator: %w", err)
	}
	for _, p := range positions {
		it.SetVec3(mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)})
		it.Incr()
	}
	if withNormals {
		for i, n := range normals {
			off := i*stride + 12
			binary.LittleEndian.PutUint32(pp.Data[off:], math.Float32bits(float32(n.X)))
			binary.LittleEndian.PutUint32(pp.Data[off+4:], math.Float32bits(float32(n.Y)))
			binary.LittleEndian.PutUint32(pp.Data[off+8:], math.Float32bits(float32(n.Z)))
		}
	}
	return pp, nil
}

// fieldReader decodes one scalar field of every point
type fieldReader struct {
	offset int
	size   int
}

func (f fieldReader) read(data []byte, stride, i int) float64 {
	b := data[i*stride+f.offset:]
	if f.size == 8 {
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

// lookupField finds a floating point field in the header
func lookupField(h pc.PointCloudHeader, name string) (fieldReader, bool, error) {
	offset := 0
	for i, fn := range h.Fields {
		if fn == name {
			if h.Type[i] != "F" || (h.Size[i] != 4 && h.Size[i] != 8) {
				return fieldReader{}, false, fmt.Errorf("pcd field %s: unsupported type %s%d", name, h.Type[i], h.Size[i])
			}
			return fieldReader{offset: offset, size: h.Size[i]}, true, nil
		}
		offset += h.Size[i] * h.Count[i]
	}
	return fieldReader{}, false, nil
}

func fromPCGol(pp *pc.PointCloud) (PointCloud, error) {
	var xyz [3]fieldReader
	for i, name := range []string{"x", "y", "z"} {
		f, ok, err := lookupField(pp.PointCloudHeader, name)
		if err != nil {
			return PointCloud{}, err
		}
		if !ok {
			return PointCloud{}, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		xyz[i] = f
	}

	var nrm [3]fieldReader
	hasNormals := true
	for i, name := range normalFields {
		f, ok, err := lookupField(pp.PointCloudHeader, name)
		if err != nil {
			return PointCloud{}, err
		}
		if !ok {
			hasNormals = false
			break
		}
		nrm[i] = f
	}

	stride := pp.Stride()
	n := pp.Points
	if stride*n > len(pp.Data) {
		return PointCloud{}, fmt.Errorf("pcd data truncated: %d points need %d bytes, have %d", n, stride*n, len(pp.Data))
	}

	c := PointCloud{
		Positions: make([]r3.Vector, 0, n),
		Normals:   make([]r3.Vector, 0, n),
	}
	for i := 0; i < n; i++ {
		p := r3.Vector{
			X: xyz[0].read(pp.Data, stride, i),
			Y: xyz[1].read(pp.Data, stride, i),
			Z: xyz[2].read(pp.Data, stride, i),
		}
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
			continue // organized clouds mark missing returns with NaN
		}
		var nv r3.Vector
		if hasNormals {
			nv = r3.Vector{
				X: nrm[0].read(pp.Data, stride, i),
				Y: nrm[1].read(pp.Data, stride, i),
				Z: nrm[2].read(pp.Data, stride, i),
			}
		}
		c.Positions = append(c.Positions, p)
		c.Normals = append(c.Normals, nv)
	}
	return c, nil
}
