package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const tokenPrefix = "k1."

// Keyset is the position after which the next page starts, for listings ordered by creation
// time and then document ID, both descending.
type Keyset struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// IsZero reports whether k marks the start of the listing.
func (k Keyset) IsZero() bool {
	return k.ID == "" && k.CreatedAt.IsZero()
}

// EncodeToken renders k as an opaque page token. The zero keyset encodes as "".
func EncodeToken(k Keyset) (string, error) {
	if k.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(Keyset{CreatedAt: k.CreatedAt.UTC(), ID: k.ID})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. An empty token yields the zero keyset.
func DecodeToken(token string) (Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Keyset{}, nil
	}
	body, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return Keyset{}, fmt.Errorf("%w: unknown token format", ErrInvalidPageToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var k Keyset
	if err := json.Unmarshal(raw, &k); err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(k.ID) == "" || k.CreatedAt.IsZero() {
		return Keyset{}, fmt.Errorf("%w: incomplete position", ErrInvalidPageToken)
	}
	return k, nil
}
