// Package backend defines the single-trait engine interface every transport
// implements. Go has no subclassing, so the optional-vs-required method
// split is expressed as one interface plus an embeddable Base that supplies
// the init-parameter store and the telemetry event queue. Base has no default
// GetNotifs/GenNotif/GetPublicData; each concrete engine implements those.
package backend

import (
	"context"

	"github.com/nixl-go/nixl/nixl"
)

// MemoryHandle is an opaque, backend-owned token for one registered memory
// region. Concrete engines type-assert it back to their own metadata type.
type MemoryHandle any

// RequestHandle is an opaque, backend-owned token for one in-flight or
// completed transfer, returned by PrepXfer/PostXfer and consumed by
// CheckXfer/ReleaseReqH.
type RequestHandle any

// XferDescriptor names one local or remote region participating in a
// transfer list.
type XferDescriptor struct {
	Addr   uint64
	Length uint64
	Handle MemoryHandle
}

// Engine is the contract every NIXL transport backend implements. A single
// interface, not a class hierarchy: optional behaviour (notifications,
// public data) is expressed by returning nixl.KindNotSupported rather than
// by a separate optional-method subset.
type Engine interface {
	// SupportsRemote reports whether this engine can address memory on a
	// different agent at all.
	SupportsRemote() bool
	// SupportsLocal reports whether this engine can complete transfers
	// between two local memory regions.
	SupportsLocal() bool
	// SupportsNotif reports whether GetNotifs/GenNotif are implemented.
	SupportsNotif() bool
	// SupportedMems lists the memory kinds this engine can register.
	SupportedMems() []nixl.MemoryKind

	RegisterMem(desc nixl.MemoryDescriptor, buf []byte) (MemoryHandle, error)
	DeregisterMem(handle MemoryHandle) error

	// GetPublicData returns the wire-format blob describing handle that a
	// remote agent needs in order to address this region (a serialized
	// per-rail key map, for RDMA engines).
	GetPublicData(handle MemoryHandle) ([]byte, error)

	// GetConnInfo returns this engine's own connection-bootstrap blob
	// (serialized endpoint names, for RDMA engines).
	GetConnInfo() ([]byte, error)
	// LoadRemoteConnInfo ingests a remote agent's connection-bootstrap
	// blob ahead of Connect.
	LoadRemoteConnInfo(remoteAgent string, blob []byte) error

	// Connect drives the connection handshake to completion, blocking up
	// to the engine's configured timeout.
	Connect(ctx context.Context, remoteAgent string) error
	// Disconnect tears down the connection state for remoteAgent.
	Disconnect(remoteAgent string) error

	// LoadRemoteMD parses a GetPublicData blob from remoteAgent into a
	// handle this engine can target with PrepXfer/PostXfer.
	LoadRemoteMD(remoteAgent string, blob []byte) (MemoryHandle, error)
	// LoadLocalMD re-derives a local handle's engine-internal metadata
	// for use as though it were a remote target (loopback transfers).
	LoadLocalMD(handle MemoryHandle) (MemoryHandle, error)
	// UnloadMD releases a handle obtained from LoadRemoteMD/LoadLocalMD.
	UnloadMD(handle MemoryHandle) error

	// PrepXfer validates and stages a transfer between local and remote
	// descriptor lists without posting it to the fabric.
	PrepXfer(op nixl.OpKind, local, remote []XferDescriptor, remoteAgent string) (RequestHandle, error)
	// PostXfer posts a previously prepared transfer. optArgs carries an
	// optional notification message to deliver to remoteAgent once the
	// transfer completes; nil means no notification on every call site
	// (there is no guarded special case).
	PostXfer(req RequestHandle, optArgs *PostArgs) (nixl.Status, error)
	// CheckXfer polls a posted transfer for completion without blocking.
	CheckXfer(req RequestHandle) (nixl.Status, error)
	// ReleaseReqH releases a request handle's resources. Valid after
	// CheckXfer reports StatusSuccess, or to abandon a request early.
	ReleaseReqH(req RequestHandle) error

	// GetNotifs drains and returns notifications received since the last
	// call. Returns nixl.KindNotSupported if SupportsNotif is false.
	GetNotifs() ([]nixl.Notification, error)
	// GenNotif sends msg to remoteAgent outside of any transfer. Returns
	// nixl.KindNotSupported if SupportsNotif is false.
	GenNotif(remoteAgent string, msg []byte) error
}

// PostArgs carries the optional, per-call extras to PostXfer.
type PostArgs struct {
	// NotifMessage, when non-nil, is delivered to the remote agent once
	// the transfer completes. A nil NotifMessage means "no notification"
	// uniformly, regardless of which PostXfer call site is involved.
	NotifMessage []byte
}
