package markers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/posefusion/internal/pose/geom"
)

// SettingsStore is the key/value persistence used for runtime overrides.
// Get reports false when the key has never been set.
type SettingsStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Settings keys.
const (
	OffsetKeyPrefix = "marker_offset."
	AnchorIDsKey    = "anchor_ids"
	OffsetIDsKey    = "marker_offset_ids"
)

type offsetJSON struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // x, y, z, w
}

func offsetKey(id int) string {
	return OffsetKeyPrefix + strconv.Itoa(id)
}

// SaveOffset persists an override for one marker and records its id in the
// override index.
func SaveOffset(store SettingsStore, id int, off MarkerOffset) error {
	r := geom.Normalize(off.Rotation)
	raw, err := json.Marshal(offsetJSON{
		Position: [3]float64{off.Position.X, off.Position.Y, off.Position.Z},
		Rotation: [4]float64{r.Imag, r.Jmag, r.Kmag, r.Real},
	})
	if err != nil {
		return fmt.Errorf("encode offset %d: %w", id, err)
	}
	if err := store.Set(offsetKey(id), string(raw)); err != nil {
		return fmt.Errorf("save offset %d: %w", id, err)
	}

	ids, err := loadIDList(store, OffsetIDsKey)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return saveIDList(store, OffsetIDsKey, append(ids, id))
}

// LoadOffsets applies every persisted override onto table and returns how
// many were applied.
func LoadOffsets(store SettingsStore, table OffsetTable) (int, error) {
	ids, err := loadIDList(store, OffsetIDsKey)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, id := range ids {
		raw, ok, err := store.Get(offsetKey(id))
		if err != nil {
			return applied, fmt.Errorf("load offset %d: %w", id, err)
		}
		if !ok {
			continue
		}
		var o offsetJSON
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return applied, fmt.Errorf("decode offset %d: %w", id, err)
		}
		table.Set(id, MarkerOffset{
			Position: geom.Vec{X: o.Position[0], Y: o.Position[1], Z: o.Position[2]},
			Rotation: geom.NewQuat(o.Rotation[0], o.Rotation[1], o.Rotation[2], o.Rotation[3]),
		})
		applied++
	}
	return applied, nil
}

// SaveAnchorIDs persists the privileged marker id set.
func SaveAnchorIDs(store SettingsStore, ids map[int]bool) error {
	list := make([]int, 0, len(ids))
	for id, on := range ids {
		if on {
			list = append(list, id)
		}
	}
	sort.Ints(list)
	return saveIDList(store, AnchorIDsKey, list)
}

// LoadAnchorIDs reads the privileged marker id set. A missing key yields an
// empty set.
func LoadAnchorIDs(store SettingsStore) (map[int]bool, error) {
	list, err := loadIDList(store, AnchorIDsKey)
	if err != nil {
		return nil, err
	}
	ids := make(map[int]bool, len(list))
	for _, id := range list {
		ids[id] = true
	}
	return ids, nil
}

// ParseIDList parses a comma-separated id list such as "0,3,5".
func ParseIDList(s string) (map[int]bool, error) {
	ids := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid marker id %q: %w", part, err)
		}
		ids[id] = true
	}
	return ids, nil
}

func loadIDList(store SettingsStore, key string) ([]int, error) {
	raw, ok, err := store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return ids, nil
}

func saveIDList(store SettingsStore, key string, ids []int) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Set(key, string(raw)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
