package chat

import (
	"encoding/base64"
	"strconv"
	"strings"

	"tradechat/internal/utils"
)

const cursorPrefix = "seq:"

// EncodeCursor returns the opaque page token for the position after seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor parses a page token. The empty token means the start of the log.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), cursorPrefix) {
		return 0, utils.NewValidationError("invalid cursor")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(string(raw), cursorPrefix), 10, 64)
	if err != nil || seq < 0 {
		return 0, utils.NewValidationError("invalid cursor")
	}
	return seq, nil
}
