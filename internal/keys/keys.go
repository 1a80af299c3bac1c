// Package keys hashes and compares key tuples so that values read from a
// materialized object and values read from a cursor row agree.
package keys

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Normalize folds driver and object representations of the same value onto
// one canonical Go value.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	case float64:
		// JSON decodes every number to float64; integral values compare as ints.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

const (
	tagNil byte = iota
	tagInt
	tagUint
	tagFloat
	tagString
	tagBool
	tagTime
	tagOther
)

// Hash returns the xxhash digest of the canonical encoding of vals.
func Hash(vals ...any) uint64 {
	d := xxhash.New()
	var buf [9]byte
	for _, v := range vals {
		switch x := Normalize(v).(type) {
		case nil:
			buf[0] = tagNil
			_, _ = d.Write(buf[:1])
		case int64:
			buf[0] = tagInt
			binary.LittleEndian.PutUint64(buf[1:], uint64(x))
			_, _ = d.Write(buf[:])
		case uint64:
			buf[0] = tagUint
			binary.LittleEndian.PutUint64(buf[1:], x)
			_, _ = d.Write(buf[:])
		case float64:
			buf[0] = tagFloat
			binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(x))
			_, _ = d.Write(buf[:])
		case string:
			buf[0] = tagString
			binary.LittleEndian.PutUint64(buf[1:], uint64(len(x)))
			_, _ = d.Write(buf[:])
			_, _ = d.WriteString(x)
		case bool:
			buf[0] = tagBool
			if x {
				buf[1] = 1
			} else {
				buf[1] = 0
			}
			_, _ = d.Write(buf[:2])
		case time.Time:
			buf[0] = tagTime
			binary.LittleEndian.PutUint64(buf[1:], uint64(x.UnixNano()))
			_, _ = d.Write(buf[:])
		default:
			s := fmt.Sprint(x)
			buf[0] = tagOther
			binary.LittleEndian.PutUint64(buf[1:], uint64(len(s)))
			_, _ = d.Write(buf[:])
			_, _ = d.WriteString(s)
		}
	}
	return d.Sum64()
}

// Equal reports whether a and b are the same key component.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case int64, uint64, float64, string, bool:
		return a == b
	default:
		if b == nil {
			return false
		}
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}

// EqualTuple reports whether two key tuples match component by component.
func EqualTuple(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Encode renders a key tuple as a canonical string, used where a key must be
// stored in a string-keyed cache.
func Encode(vals ...any) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte('|')
		}
		switch x := Normalize(v).(type) {
		case nil:
			sb.WriteString("n")
		case int64:
			sb.WriteString("i")
			sb.WriteString(strconv.FormatInt(x, 10))
		case uint64:
			sb.WriteString("u")
			sb.WriteString(strconv.FormatUint(x, 10))
		case float64:
			sb.WriteString("f")
			sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		case string:
			sb.WriteString("s")
			sb.WriteString(strconv.Quote(x))
		case bool:
			sb.WriteString("b")
			sb.WriteString(strconv.FormatBool(x))
		case time.Time:
			sb.WriteString("t")
			sb.WriteString(strconv.FormatInt(x.UnixNano(), 10))
		default:
			sb.WriteString("o")
			sb.WriteString(strconv.Quote(fmt.Sprint(x)))
		}
	}
	return sb.String()
}
