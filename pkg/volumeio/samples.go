package volumeio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// sampleKind is the on-disk numeric type of a voxel
type sampleKind int

const (
	kindInt8 sampleKind = iota
	kindUint8
	kindInt16
	kindUint16
	kindInt32
	kindUint32
	kindInt64
	kindUint64
	kindFloat32
	kindFloat64
)

// size returns the number of bytes of one sample
func (k sampleKind) size() int {
	switch k {
	case kindInt8, kindUint8:
		return 1
	case kindInt16, kindUint16:
		return 2
	case kindInt32, kindUint32, kindFloat32:
		return 4
	}
	return 8
}

// readSamples decodes n samples from r into float64 values
func readSamples(r io.Reader, n int, kind sampleKind, order binary.ByteOrder) ([]float64, error) {
	size := kind.size()
	out := make([]float64, n)
	buf := make([]byte, 64*1024*size)

	for done := 0; done < n; {
		chunk := len(buf) / size
		if rest := n - done; rest < chunk {
			chunk = rest
		}
		b := buf[:chunk*size]
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("voxel data truncated after %d of %d samples: %w", done, n, err)
		}
		for i := 0; i < chunk; i++ {
			out[done+i] = decodeSample(b[i*size:], kind, order)
		}
		done += chunk
	}

	return out, nil
}

func decodeSample(b []byte, kind sampleKind, order binary.ByteOrder) float64 {
	switch kind {
	case kindInt8:
		return float64(int8(b[0]))
	case kindUint8:
		return float64(b[0])
	case kindInt16:
		return float64(int16(order.Uint16(b)))
	case kindUint16:
		return float64(order.Uint16(b))
	case kindInt32:
		return float64(int32(order.Uint32(b)))
	case kindUint32:
		return float64(order.Uint32(b))
	case kindInt64:
		return float64(int64(order.Uint64(b)))
	case kindUint64:
		return float64(order.Uint64(b))
	case kindFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	}
	return math.Float64frombits(order.Uint64(b))
}

// writeFloat32 encodes the values as float32 samples
func writeFloat32(w io.Writer, data []float64, order binary.ByteOrder) error {
	buf := make([]byte, 4*64*1024)
	for done := 0; done < len(data); {
		chunk := len(buf) / 4
		if rest := len(data) - done; rest < chunk {
			chunk = rest
		}
		for i := 0; i < chunk; i++ {
			order.PutUint32(buf[4*i:], math.Float32bits(float32(data[done+i])))
		}
		if _, err := w.Write(buf[:4*chunk]); err != nil {
			return fmt.Errorf("failed to write voxel data: %w", err)
		}
		done += chunk
	}
	return nil
}
