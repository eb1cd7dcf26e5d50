/*
Package fast implements the fast-store adapter: a typed, narrow
interface to a key/value store supporting atomic read-modify-write
scripts, with a Redis-backed implementation (Client) and an in-memory
one (Memory) for tests.

KEY NAMING:
  Deterministic from the date: "<prefix>:remaining:YYYY:MM:DD" and
  "<prefix>:meta:YYYY:MM:DD". The date is recoverable by parsing the
  key, which the sync worker relies on when it only has a dirty-set
  entry to go on.

SEE ALSO:
  - redis.go: live Redis implementation (go-redis/v8)
  - memory.go: in-memory implementation
  - ../../engine/faststore.go: the interface both satisfy
*/
package fast

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/limit-engine/engine"
)

const defaultPrefix = "limits"

func remainingKey(prefix string, date engine.DayDate) string {
	return fmt.Sprintf("%s:remaining:%04d:%02d:%02d", prefix, date.Year(), date.Month(), date.Day())
}

func metaKey(prefix string, date engine.DayDate) string {
	return fmt.Sprintf("%s:meta:%04d:%02d:%02d", prefix, date.Year(), date.Month(), date.Day())
}

// ParseDateFromRemainingKey recovers the date encoded in a remaining-key
// name built by remainingKey. Used by the sync worker, which only holds
// the bare key string once it comes out of the dirty set.
func ParseDateFromRemainingKey(key string) (engine.DayDate, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[1] != "remaining" {
		return engine.DayDate{}, fmt.Errorf("malformed remaining key %q", key)
	}
	year, err1 := strconv.Atoi(parts[2])
	month, err2 := strconv.Atoi(parts[3])
	day, err3 := strconv.Atoi(parts[4])
	if err1 != nil || err2 != nil || err3 != nil {
		return engine.DayDate{}, fmt.Errorf("malformed remaining key %q", key)
	}
	return engine.NewDayDate(year, time.Month(month), day), nil
}
