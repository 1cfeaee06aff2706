package descriptor

import "fmt"

type DecodeState int

const (
	DecodeFresh DecodeState = iota
	DecodePartial
	DecodeComplete
	DecodeFailed
)

func (s DecodeState) String() string {
	switch s {
	case DecodeFresh:
		return "fresh"
	case DecodePartial:
		return "partial"
	case DecodeComplete:
		return "complete"
	case DecodeFailed:
		return "failed"
	default:
		return fmt.Sprintf("decode_state(%d)", int(s))
	}
}

// Decoder reassembles a multi-slot descriptor one slot at a time:
// Fresh -> Partial(bytes so far) -> Complete | Failed. Slots are copied on
// Feed, so the caller may release ring memory as soon as Feed returns.
type Decoder[T any] struct {
	state DecodeState
	need  int
	buf   []byte
	value T
	err   error

	head  func(slot []byte) (int, error)
	parse func(buf []byte) (T, error)
}

func newDecoder[T any](head func([]byte) (int, error), parse func([]byte) (T, error)) *Decoder[T] {
	return &Decoder[T]{
		buf:   make([]byte, 0, 4*SlotSize),
		head:  head,
		parse: parse,
	}
}

// Feed consumes the next slot. It returns done once a full value is
// available. Feeding a Complete or Failed decoder is an error; call Reset.
func (d *Decoder[T]) Feed(slot []byte) (bool, error) {
	switch d.state {
	case DecodeComplete, DecodeFailed:
		return false, fmt.Errorf("%w: decoder is %s", ErrDecode, d.state)
	}
	if err := checkSlot(slot); err != nil {
		return d.fail(err)
	}
	if d.state == DecodeFresh {
		n, err := d.head(slot)
		if err != nil {
			return d.fail(err)
		}
		d.need = n
		d.state = DecodePartial
	}
	d.buf = append(d.buf, slot[:SlotSize]...)
	if len(d.buf) < d.need*SlotSize {
		return false, nil
	}
	v, err := d.parse(d.buf)
	if err != nil {
		return d.fail(err)
	}
	d.value = v
	d.state = DecodeComplete
	return true, nil
}

func (d *Decoder[T]) fail(err error) (bool, error) {
	d.state = DecodeFailed
	d.err = err
	return false, err
}

func (d *Decoder[T]) State() DecodeState { return d.state }

// Slots reports how many slots the current descriptor spans, or 0 before
// the first slot is fed.
func (d *Decoder[T]) Slots() int { return d.need }

func (d *Decoder[T]) Value() T { return d.value }

func (d *Decoder[T]) Err() error { return d.err }

func (d *Decoder[T]) Reset() {
	var zero T
	d.state = DecodeFresh
	d.need = 0
	d.buf = d.buf[:0]
	d.value = zero
	d.err = nil
}

// DecodeAll runs a fresh decode over consecutive slots. It is a convenience
// for callers that already hold every slot.
func DecodeAll[T any](d *Decoder[T], slots [][]byte) (T, error) {
	d.Reset()
	for _, s := range slots {
		done, err := d.Feed(s)
		if err != nil {
			var zero T
			return zero, err
		}
		if done {
			return d.Value(), nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: incomplete after %d slots", ErrDecode, len(slots))
}
