package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"collab/api/internal/crdt"
	"collab/api/internal/util"
)

// Document layout inside the CRDT. Each block lives under its own key so
// concurrent edits of different blocks never touch the same register.
const (
	MapBlocks = "blocks"
	MapMeta   = "meta"

	MetaOrder = "order"
	MetaTime  = "time"
)

var ErrInvalidPayload = errors.New("invalid initial value")

type block struct {
	id  string
	raw json.RawMessage
}

// decodeBlocks accepts either a JSON array of blocks or an object with a
// "blocks" array. Empty and null payloads decode to no blocks.
func decodeBlocks(payload []byte) ([]block, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case '{':
		var wrapper struct {
			Blocks []json.RawMessage `json:"blocks"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		items = wrapper.Blocks
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrInvalidPayload)
	}

	blocks := make([]block, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("%w: block %d is not an object", ErrInvalidPayload, i)
		}
		var id string
		if rawID, ok := fields["id"]; ok {
			if err := json.Unmarshal(rawID, &id); err != nil {
				return nil, fmt.Errorf("%w: block %d id is not a string", ErrInvalidPayload, i)
			}
		}
		raw := item
		if id == "" {
			id = util.NewID("blk")
			encodedID, _ := json.Marshal(id)
			fields["id"] = encodedID
			rewritten, err := json.Marshal(fields)
			if err != nil {
				return nil, fmt.Errorf("%w: block %d: %v", ErrInvalidPayload, i, err)
			}
			raw = rewritten
		}
		blocks = append(blocks, block{id: id, raw: raw})
	}
	return blocks, nil
}

func writeBlocks(txn *crdt.Txn, blocks []block, now time.Time) {
	order := make([]string, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		txn.Set(MapBlocks, b.id, b.raw)
		if _, dup := seen[b.id]; dup {
			continue
		}
		seen[b.id] = struct{}{}
		order = append(order, b.id)
	}
	encodedOrder, _ := json.Marshal(order)
	txn.Set(MapMeta, MetaOrder, encodedOrder)
	txn.Set(MapMeta, MetaTime, []byte(strconv.FormatInt(now.UnixMilli(), 10)))
}

func readOrder(doc *crdt.Doc) []string {
	raw, ok := doc.Get(MapMeta, MetaOrder)
	if !ok {
		return nil
	}
	var order []string
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil
	}
	return order
}
