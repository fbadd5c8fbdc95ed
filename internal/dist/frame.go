package dist

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	headerLen         = 16
	frameMagic uint32 = 0x56334447 // "V3DG"
	maxPayload uint32 = 256 << 20
)

type op uint32

const (
	opHello op = iota + 1
	opWelcome
	opBarrier
	opRelease
	opReduce
	opReduced
)

func (o op) String() string {
	switch o {
	case opHello:
		return "hello"
	case opWelcome:
		return "welcome"
	case opBarrier:
		return "barrier"
	case opRelease:
		return "release"
	case opReduce:
		return "reduce"
	case opReduced:
		return "reduced"
	default:
		return "unknown"
	}
}

var (
	ErrBadMagic        = errors.New("dist: bad frame magic")
	ErrPayloadTooLarge = errors.New("dist: frame payload too large")
	ErrUnexpectedFrame = errors.New("dist: unexpected frame")
)

// header is the fixed wire header: magic, op, seq and payload length,
// each a big-endian uint32.
type header struct {
	Op  op
	Seq uint32
	Len uint32
}

type frame struct {
	header
	Payload []byte
}

func writeFrame(w io.Writer, o op, seq uint32, payload []byte) error {
	if uint64(len(payload)) > uint64(maxPayload) {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(o))
	binary.BigEndian.PutUint32(buf[8:12], seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var fixed [headerLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return frame{}, err
	}
	if binary.BigEndian.Uint32(fixed[0:4]) != frameMagic {
		return frame{}, ErrBadMagic
	}
	h := header{
		Op:  op(binary.BigEndian.Uint32(fixed[4:8])),
		Seq: binary.BigEndian.Uint32(fixed[8:12]),
		Len: binary.BigEndian.Uint32(fixed[12:16]),
	}
	if h.Len > maxPayload {
		return frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{header: h, Payload: payload}, nil
}

// expect reads one frame and checks its op and sequence number.
func expect(r io.Reader, want op, seq uint32) (frame, error) {
	f, err := readFrame(r)
	if err != nil {
		return frame{}, err
	}
	if f.Op != want || f.Seq != seq {
		return frame{}, errors.Wrapf(ErrUnexpectedFrame, "got %s/%d, want %s/%d", f.Op, f.Seq, want, seq)
	}
	return f, nil
}

func encodeFloats(xs []float32) []byte {
	buf := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.BigEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeFloats(b []byte, into []float32) error {
	if len(b) != 4*len(into) {
		return errors.Errorf("dist: payload holds %d bytes, want %d floats", len(b), len(into))
	}
	for i := range into {
		into[i] = math.Float32frombits(binary.BigEndian.Uint32(b[4*i:]))
	}
	return nil
}
