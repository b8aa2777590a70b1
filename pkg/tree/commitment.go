package tree

import (
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/dialectic/pkg/protocol"
)

// Commitment computes the order-independent content hash of a node set.
// Nodes are encoded in id order so any permutation of the same set
// produces the same CID.
func Commitment(nodes map[protocol.NodeID]*protocol.Node) (cid.Cid, error) {
	ids := make([]protocol.NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ordered := make([]*protocol.Node, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, nodes[id])
	}

	d, err := msgpack.Marshal(ordered)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "marshaling node set")
	}

	h, err := multihash.Sum(d, multihash.SHA3_256, multihash.DefaultLengths[multihash.SHA3_256])
	if err != nil {
		return cid.Undef, errors.Wrap(err, "hashing node set")
	}

	return cid.NewCidV1(cid.Raw, h), nil
}
