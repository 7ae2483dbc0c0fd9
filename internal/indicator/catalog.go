package indicator

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// CfgHash derives the stable 16-hex identifier of an indicator set from its
// defining tuple. The canonical string is "{symbol}|{ema_fast}|{ema_slow}|{atr_window}".
func CfgHash(symbol string, emaFast, emaSlow, atrWindow int) string {
	canonical := fmt.Sprintf("%s|%d|%d|%d", symbol, emaFast, emaSlow, atrWindow)
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}
