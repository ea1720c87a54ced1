package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "ret-3f0c...". Dashes are kept out of
// the uuid part so the prefix stays easy to split off in logs.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
