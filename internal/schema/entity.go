package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

// Entity is a full object sent by the authority in answer to an entity request.
type Entity struct {
	Key     string
	Version int
	Value   jsondiff.Value
	Missing bool
}

// EntityRequest renders the payload asking for key at version.
func EntityRequest(key string, version int) string {
	return key + "." + strconv.Itoa(version)
}

// ParseEntityKey splits "<key>.<version>". Keys may contain dots, so the
// version is taken after the last one.
func ParseEntityKey(s string) (string, int, error) {
	dot := strings.LastIndex(s, ".")
	if dot <= 0 {
		return "", 0, fmt.Errorf("entity key %q has no version", s)
	}
	version, err := strconv.Atoi(s[dot+1:])
	if err != nil || version < 0 {
		return "", 0, fmt.Errorf("entity key %q has invalid version", s)
	}
	return s[:dot], version, nil
}

// ParseEntity decodes the payload of an inbound entity message:
// "<key>.<version>\n{"data": {...}}", or "?" in place of the body when the
// entity does not exist at that version.
func ParseEntity(payload string) (Entity, error) {
	header, body, ok := strings.Cut(payload, "\n")
	if !ok {
		return Entity{}, fmt.Errorf("entity payload has no body")
	}
	key, version, err := ParseEntityKey(header)
	if err != nil {
		return Entity{}, err
	}

	e := Entity{Key: key, Version: version}
	body = strings.TrimSpace(body)
	if body == "?" {
		e.Missing = true
		return e, nil
	}

	var wrapper struct {
		Data jsondiff.Value `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &wrapper); err != nil {
		return Entity{}, fmt.Errorf("failed to parse entity %s: %w", header, err)
	}
	switch wrapper.Data.Kind() {
	case jsondiff.KindNull:
		e.Missing = true
	case jsondiff.KindObject:
		e.Value = wrapper.Data
	default:
		return Entity{}, fmt.Errorf("entity %s data must be an object (got %s)", header, wrapper.Data.Kind())
	}
	return e, nil
}

// Ghost returns the ghost described by the entity.
func (e Entity) Ghost() Ghost {
	return Ghost{Key: e.Key, Version: e.Version, Value: e.Value}
}
