// Package stat provides a compact, fixed-layout record for reporting the
// size and kind of a mapping or swap device to whatever syscall layer
// sits above this module — trimmed from the teacher's file-stat record
// down to the fields a VM-only module actually populates.
package stat

import "unsafe"

// Kind tags what a Stat_t describes.
type Kind uint

const (
	KindSwapDevice Kind = iota
	KindMapping
)

// Stat_t is a fixed-layout size/kind record. Unlike the teacher's
// Stat_t (which mirrored a full filesystem inode: dev, ino, uid, rdev,
// block count, mtime) this module drops every field with no VM-only
// meaning — there is no inode model, no ownership, no timestamps here.
type Stat_t struct {
	_kind Kind
	_size uint64
}

// WKind records the kind tag.
func (st *Stat_t) WKind(k Kind) {
	st._kind = k
}

// WSize records the size in bytes.
func (st *Stat_t) WSize(v uint64) {
	st._size = v
}

// Kind returns the stored kind tag.
func (st *Stat_t) Kind() Kind {
	return st._kind
}

// Size returns the stored size.
func (st *Stat_t) Size() uint64 {
	return st._size
}

// Bytes exposes the raw bytes of the structure, the same technique the
// teacher used to hand a stat record to user space without per-field
// marshaling code.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(st))
	return sl[:]
}
