package base

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// LogHex formats a labeled hex dump for debug tracing of wire traffic.
func LogHex(label string, data []byte) string {
	return fmt.Sprintf("%s: %4d %s", label, len(data), strings.ToUpper(hex.EncodeToString(data)))
}
