package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// formatVersion is written into every encoded update. Decoders reject
// anything else.
const formatVersion = 1

type wireUpdate struct {
	Version uint8       `cbor:"1,keyasint"`
	Entries []wireEntry `cbor:"2,keyasint"`
}

type wireEntry struct {
	Map     string `cbor:"1,keyasint"`
	Key     string `cbor:"2,keyasint"`
	Value   []byte `cbor:"3,keyasint,omitempty"`
	Clock   uint64 `cbor:"4,keyasint"`
	Client  string `cbor:"5,keyasint"`
	Deleted bool   `cbor:"6,keyasint,omitempty"`
}

// encMode uses Core Deterministic Encoding so equal states always produce
// identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntries(entries []wireEntry) ([]byte, error) {
	if entries == nil {
		entries = []wireEntry{}
	}
	data, err := encMode.Marshal(wireUpdate{Version: formatVersion, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeEntries(data []byte) ([]wireEntry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	var update wireUpdate
	if err := decMode.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if update.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, update.Version)
	}
	for i, entry := range update.Entries {
		if entry.Map == "" || entry.Key == "" {
			return nil, fmt.Errorf("%w: entry %d has no map or key", ErrMalformedUpdate, i)
		}
		if entry.Client == "" || entry.Clock == 0 {
			return nil, fmt.Errorf("%w: entry %d has no clock", ErrMalformedUpdate, i)
		}
	}
	return update.Entries, nil
}
