// Package engineapi implements the Engine API driver of spec §4.7/§6:
// newPayloadVN/forkchoiceUpdatedVN/getPayloadVN, the fork tree's
// canonical-switch orchestration, and the background payload builder.
// Method shapes (PayloadStatus/ForkChoiceState/ExecutionPayload) follow
// the retrieved `turbo/engineapi/engine_server.go`; the HTTP transport
// (chi routing, JWT auth) is this spec's own ambient choice (SPEC_FULL
// §1/§2), since the retrieved fragment's JSON-RPC framework itself is
// out of scope.
package engineapi

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Status is the outer payload/forkchoice status spec §6 names.
type Status string

const (
	StatusValid    Status = "VALID"
	StatusInvalid  Status = "INVALID"
	StatusSyncing  Status = "SYNCING"
	StatusAccepted Status = "ACCEPTED"
)

// PayloadStatus is the result of newPayloadVN and the payloadStatus
// half of forkchoiceUpdatedVN's response.
type PayloadStatus struct {
	Status          Status           `json:"status"`
	LatestValidHash *cryptoutil.Hash `json:"latestValidHash,omitempty"`
	ValidationError *string          `json:"validationError,omitempty"`
}

// ExecutionPayload is the consensus-layer-supplied block this driver
// validates and executes (spec §6 newPayloadVN). Fields beyond the
// base set are only meaningful once the corresponding fork is active;
// the caller is expected to omit what its CL version doesn't send.
type ExecutionPayload struct {
	ParentHash    cryptoutil.Hash
	FeeRecipient  cryptoutil.Address
	StateRoot     cryptoutil.Hash
	ReceiptsRoot  cryptoutil.Hash
	LogsBloom     []byte
	PrevRandao    cryptoutil.Hash
	BlockNumber   uint64
	GasLimit      uint64
	GasUsed       uint64
	Timestamp     uint64
	ExtraData     []byte
	BaseFeePerGas *uint256.Int
	BlockHash     cryptoutil.Hash
	Transactions  [][]byte // each entry is a codec-encoded txtypes.Transaction
	Withdrawals   []*chain.Withdrawal
	BlobGasUsed   *uint64
	ExcessBlobGas *uint64

	VersionedHashes    []cryptoutil.Hash
	ParentBeaconRoot   *cryptoutil.Hash
}

// ForkChoiceState is the three-pointer head/safe/finalized triple of
// spec §6 forkchoiceUpdatedVN.
type ForkChoiceState struct {
	HeadBlockHash      cryptoutil.Hash
	SafeBlockHash      cryptoutil.Hash
	FinalizedBlockHash cryptoutil.Hash
}

// PayloadAttributes describes the next block the consensus layer wants
// built, present only when forkchoiceUpdatedVN also requests payload
// building.
type PayloadAttributes struct {
	Timestamp             uint64
	PrevRandao            cryptoutil.Hash
	SuggestedFeeRecipient cryptoutil.Address
	Withdrawals           []*chain.Withdrawal
	ParentBeaconRoot      *cryptoutil.Hash
}

// PayloadID is the first 8 bytes of the deterministic derivation spec
// §6 defines, reported to the consensus layer as an opaque handle.
type PayloadID [8]byte

func (id PayloadID) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(id[:]))
}

func (id *PayloadID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = trimHexPrefix(s)
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("engineapi: decode payload id: %w", err)
	}
	if len(decoded) != 8 {
		return fmt.Errorf("engineapi: payload id must be 8 bytes, got %d", len(decoded))
	}
	copy(id[:], decoded)
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// DerivePayloadID implements spec §6's payloadId formula:
// keccak(parent_hash || timestamp_BE8 || prev_randao || fee_recipient
// || withdrawals_encoded || parent_beacon_root?) truncated to its
// first 8 bytes.
func DerivePayloadID(parentHash cryptoutil.Hash, attrs *PayloadAttributes) PayloadID {
	var buf []byte
	buf = append(buf, parentHash[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], attrs.Timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, attrs.PrevRandao[:]...)
	buf = append(buf, attrs.SuggestedFeeRecipient[:]...)
	for _, w := range attrs.Withdrawals {
		var idx, vidx, amt [8]byte
		binary.BigEndian.PutUint64(idx[:], w.Index)
		binary.BigEndian.PutUint64(vidx[:], w.ValidatorIndex)
		binary.BigEndian.PutUint64(amt[:], w.AmountGwei)
		buf = append(buf, idx[:]...)
		buf = append(buf, vidx[:]...)
		buf = append(buf, w.Address[:]...)
		buf = append(buf, amt[:]...)
	}
	if attrs.ParentBeaconRoot != nil {
		buf = append(buf, attrs.ParentBeaconRoot[:]...)
	}
	h := cryptoutil.Keccak256(buf)
	var id PayloadID
	copy(id[:], h[:8])
	return id
}

// ForkChoiceUpdatedResponse is forkchoiceUpdatedVN's response (spec §6).
type ForkChoiceUpdatedResponse struct {
	PayloadStatus PayloadStatus `json:"payloadStatus"`
	PayloadID     *PayloadID    `json:"payloadId,omitempty"`
}

// GetPayloadResponse is getPayloadVN's response (spec §6); BlobsBundle
// is omitted since this driver's blob-carrying payload support is
// limited to the fields consensusrules/txtypes already model.
type GetPayloadResponse struct {
	ExecutionPayload *ExecutionPayload
	BlockValue       *uint256.Int
}
