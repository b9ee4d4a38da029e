package batch

import (
	"fmt"
	"strings"
)

// Op identifies one wire-level operation of a call.
type Op uint8

const (
	SendHeaders Op = iota
	SendMessage
	SendHalfClose
	RecvHeaders
	RecvMessage
	RecvStatus

	numOps
)

var opNames = [numOps]string{
	SendHeaders:   "SEND_HEADERS",
	SendMessage:   "SEND_MESSAGE",
	SendHalfClose: "SEND_HALF_CLOSE",
	RecvHeaders:   "RECV_HEADERS",
	RecvMessage:   "RECV_MESSAGE",
	RecvStatus:    "RECV_STATUS",
}

// Valid reports whether o is one of the declared operations.
func (o Op) Valid() bool { return o < numOps }

func (o Op) String() string {
	if !o.Valid() {
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
	return opNames[o]
}

// Direction returns Outbound for Send* operations and Inbound for Recv*.
func (o Op) Direction() Direction {
	if o <= SendHalfClose {
		return Outbound
	}
	return Inbound
}

// Direction is the side of a call an operation flows on.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound

	numDirections
)

func (d Direction) Valid() bool { return d < numDirections }

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// OpSet is a set of operations.
type OpSet uint8

// Ops builds a set from the given operations. Invalid operations are ignored.
func Ops(ops ...Op) OpSet {
	var s OpSet
	for _, o := range ops {
		if o.Valid() {
			s |= 1 << o
		}
	}
	return s
}

func (s OpSet) Has(o Op) bool { return o.Valid() && s&(1<<o) != 0 }

// Contains reports whether every member of t is in s.
func (s OpSet) Contains(t OpSet) bool { return s&t == t }

func (s OpSet) Empty() bool { return s == 0 }

func (s OpSet) Len() int {
	n := 0
	for o := Op(0); o < numOps; o++ {
		if s.Has(o) {
			n++
		}
	}
	return n
}

// Slice lists the members in declaration order.
func (s OpSet) Slice() []Op {
	out := make([]Op, 0, s.Len())
	for o := Op(0); o < numOps; o++ {
		if s.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

func (s OpSet) String() string {
	names := make([]string, 0, s.Len())
	for _, o := range s.Slice() {
		names = append(names, o.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Values holds the payloads of completed operations.
type Values map[Op]any

// Ops returns the set of operations present in v.
func (v Values) Ops() OpSet {
	var s OpSet
	for o := range v {
		s |= Ops(o)
	}
	return s
}

// Restrict returns a copy of v holding only members of s.
func (v Values) Restrict(s OpSet) Values {
	out := make(Values, s.Len())
	for o, val := range v {
		if s.Has(o) {
			out[o] = val
		}
	}
	return out
}
