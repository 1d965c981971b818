package session

import (
	"errors"
	"strconv"
	"strings"
)

// ErrSessionCorrupt is returned when a stored hash cannot be decoded.
var ErrSessionCorrupt = errors.New("session corrupt")

const schemaVersion = "1"

const (
	fieldVersion     = "v"
	fieldUserID      = "uid"
	fieldUsername    = "usr"
	fieldSite        = "site"
	fieldRoles       = "roles"
	fieldMask        = "mask"
	fieldAccount     = "av"
	fieldStatus      = "st"
	fieldRefreshHash = "rh"
	fieldAccessJTI   = "ajti"
	fieldAccessExp   = "aexp"
	fieldCreatedAt   = "cat"
	fieldExpiresAt   = "exp"
)

const roleSeparator = ","

func encodeFields(s *Session) (map[string]interface{}, error) {
	if s == nil {
		return nil, errors.New("nil session")
	}
	if s.SessionID == "" || s.UserID == "" {
		return nil, errors.New("session and user id are required")
	}
	for _, r := range s.Roles {
		if r == "" || strings.Contains(r, roleSeparator) {
			return nil, errors.New("invalid role name")
		}
	}

	return map[string]interface{}{
		fieldVersion:     schemaVersion,
		fieldUserID:      s.UserID,
		fieldUsername:    s.Username,
		fieldSite:        s.Site,
		fieldRoles:       strings.Join(s.Roles, roleSeparator),
		fieldMask:        string(s.Mask),
		fieldAccount:     strconv.FormatUint(uint64(s.AccountVersion), 10),
		fieldStatus:      strconv.FormatUint(uint64(s.Status), 10),
		fieldRefreshHash: string(s.RefreshHash[:]),
		fieldAccessJTI:   s.AccessJTI,
		fieldAccessExp:   strconv.FormatInt(s.AccessExpiresAt, 10),
		fieldCreatedAt:   strconv.FormatInt(s.CreatedAt, 10),
		fieldExpiresAt:   strconv.FormatInt(s.ExpiresAt, 10),
	}, nil
}

func decodeFields(sessionID string, f map[string]string) (*Session, error) {
	if f[fieldVersion] != schemaVersion || f[fieldUserID] == "" {
		return nil, ErrSessionCorrupt
	}
	rh := f[fieldRefreshHash]
	if len(rh) != 32 {
		return nil, ErrSessionCorrupt
	}

	av, err := strconv.ParseUint(f[fieldAccount], 10, 32)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	st, err := strconv.ParseUint(f[fieldStatus], 10, 8)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	aexp, err := parseInt(f[fieldAccessExp])
	if err != nil {
		return nil, err
	}
	cat, err := parseInt(f[fieldCreatedAt])
	if err != nil {
		return nil, err
	}
	exp, err := parseInt(f[fieldExpiresAt])
	if err != nil {
		return nil, err
	}

	s := &Session{
		SessionID:       sessionID,
		UserID:          f[fieldUserID],
		Username:        f[fieldUsername],
		Site:            f[fieldSite],
		AccountVersion:  uint32(av),
		Status:          uint8(st),
		AccessJTI:       f[fieldAccessJTI],
		AccessExpiresAt: aexp,
		CreatedAt:       cat,
		ExpiresAt:       exp,
	}
	if roles := f[fieldRoles]; roles != "" {
		s.Roles = strings.Split(roles, roleSeparator)
	}
	if mask := f[fieldMask]; mask != "" {
		s.Mask = []byte(mask)
	}
	copy(s.RefreshHash[:], rh)
	return s, nil
}

// pairsToMap converts a flat HGETALL reply returned from a Lua script.
func pairsToMap(v interface{}) (map[string]string, bool) {
	items, ok := v.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, false
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, ok := items[i].(string)
		if !ok {
			return nil, false
		}
		switch val := items[i+1].(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		default:
			return nil, false
		}
	}
	return out, true
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrSessionCorrupt
	}
	return n, nil
}
