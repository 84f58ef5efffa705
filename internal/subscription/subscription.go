// Package subscription implements the per-client notification filter
// with a two-phase commit: a SUBSCRIBE in flight must keep matching
// notifications against the last-committed filter, never the proposed
// one, so a notification arriving mid-subscribe isn't wrongly dropped
// or wrongly delivered.
package subscription

import "encoding/binary"

// ParamsLength is the wire size of a serialized Params value.
const ParamsLength = 8

// Params is the filter bitmask pair carried in a SUBSCRIBE command.
type Params struct {
	Filter     uint32
	Unreliable uint32
}

// Encode serializes p as filter[3..0], unreliable[3..0], big-endian.
func Encode(p Params) []byte {
	out := make([]byte, ParamsLength)
	binary.BigEndian.PutUint32(out[0:4], p.Filter)
	binary.BigEndian.PutUint32(out[4:8], p.Unreliable)
	return out
}

// Decode parses an 8-byte big-endian Params encoding. Shorter input
// (just the 4-byte filter) decodes with Unreliable left at zero,
// matching vectorToFilter's defensive length check in the original.
func Decode(data []byte) Params {
	var p Params
	if len(data) >= 4 {
		p.Filter = binary.BigEndian.Uint32(data[0:4])
	}
	if len(data) >= 8 {
		p.Unreliable = binary.BigEndian.Uint32(data[4:8])
	}
	return p
}

// Matches reports whether notification type t passes params' filter.
func Matches(p Params, notifType uint8) bool {
	return p.Filter&(1<<uint(notifType)) != 0
}

// Filter holds one client's committed and proposed subscription,
// guarding the proposal behind an explicit transaction so commit/reset
// are the only ways to change what's committed.
type Filter struct {
	committed     Params
	proposed      Params
	inTransaction bool
}

// Get returns the proposed filter while a transaction is open (the
// value most recently Set), and the committed filter otherwise.
func (f *Filter) Get() Params {
	if f.inTransaction {
		return f.proposed
	}
	return f.committed
}

// Committed returns the last-committed filter, the one notification
// matching must use while a SUBSCRIBE is outstanding.
func (f *Filter) Committed() Params {
	return f.committed
}

// IsSubscribed reports whether the committed filter accepts
// notification type t.
func (f *Filter) IsSubscribed(notifType uint8) bool {
	return Matches(f.committed, notifType)
}

// Set opens a transaction proposing newParams as the next committed
// value.
func (f *Filter) Set(newParams Params) {
	f.proposed = newParams
	f.inTransaction = true
}

// Reset discards the open proposal without touching the committed
// value. Used when a SUBSCRIBE fails or times out.
func (f *Filter) Reset() {
	f.inTransaction = false
}

// Commit promotes the open proposal to committed. Used when the
// downstream peer acknowledges a SUBSCRIBE with OK.
func (f *Filter) Commit() {
	if f.inTransaction {
		f.committed = f.proposed
	}
	f.inTransaction = false
}
