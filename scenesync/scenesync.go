package scenesync

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// replicated scene synchronization for a host 3d editor.
// the host exposes a graph of typed, named data-blocks (see Host);
// this package snapshots the graph, diffs successive snapshots into
// change records, ships the records through a central relay, and applies
// remote records back into the host graph.

// DefaultRelayPort is the conventional relay tcp port.
const DefaultRelayPort = 25600

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// BlockKey identifies a data-block. Name is unique within Type.
// comparable
type BlockKey struct {
	Type string
	Name string
}

func (self BlockKey) String() string {
	return fmt.Sprintf("%s/%s", self.Type, self.Name)
}

// SnapshotInconsistentError means the host graph changed while it was
// being read. The caller retries after the host signals a stable state.
type SnapshotInconsistentError struct {
	StartRevision uint64
	EndRevision uint64
}

func (self *SnapshotInconsistentError) Error() string {
	return fmt.Sprintf("snapshot inconsistent: host revision moved %d -> %d mid-read", self.StartRevision, self.EndRevision)
}

// EncodingError means one field could not be encoded.
// fatal for that field only. the batch continues without it.
type EncodingError struct {
	Block BlockKey
	Field string
}

func (self *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode field %s.%s: unsupported value kind", self.Block, self.Field)
}

// UnresolvableDependencyError means a deferred record exhausted its retry
// budget or its expiry window waiting for a reference target that never
// appeared.
type UnresolvableDependencyError struct {
	Block BlockKey
	Missing BlockKey
	Retries int
}

func (self *UnresolvableDependencyError) Error() string {
	return fmt.Sprintf("unresolvable dependency: %s waited on %s through %d retries", self.Block, self.Missing, self.Retries)
}
