package gateway

import (
	"encoding/json"
	"fmt"
)

// ShardID identifies one shard of a fleet: Number in [0, Total).
type ShardID struct {
	Number int
	Total  int
}

// NewShardID validates and returns a shard identifier.
func NewShardID(number, total int) (ShardID, error) {
	if total < 1 || number < 0 || number >= total {
		return ShardID{}, fmt.Errorf("invalid shard [%d, %d]", number, total)
	}
	return ShardID{Number: number, Total: total}, nil
}

// String renders the id the way the gateway documents it: "[n, total]".
func (id ShardID) String() string {
	return fmt.Sprintf("[%d, %d]", id.Number, id.Total)
}

// MarshalJSON encodes the id as the two-element array used in identify.
func (id ShardID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{id.Number, id.Total})
}

// UnmarshalJSON decodes a two-element array.
func (id *ShardID) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("shard id: %w", err)
	}
	id.Number, id.Total = pair[0], pair[1]
	return nil
}

// Fleet returns every shard id for a fleet of total shards.
func Fleet(total int) []ShardID {
	ids := make([]ShardID, total)
	for i := range ids {
		ids[i] = ShardID{Number: i, Total: total}
	}
	return ids
}
