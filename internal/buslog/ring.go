package buslog

import (
	"container/ring"
	"strconv"
	"sync"
	"time"
)

// Ring is a bounded buffer of the most recent formatted log records,
// used by busctl's ring-log introspection command.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

func (l *Ring) record(level Level, name, msg string) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var buf []byte
	year, month, day := now.Date()
	buf = strconv.AppendInt(buf, int64(year), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(month), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(day), 10)
	buf = append(buf, ' ')

	hour, min, sec := now.Clock()
	buf = strconv.AppendInt(buf, int64(hour), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(min), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(sec), 10)
	buf = append(buf, ' ')

	buf = append(buf, level.String()...)
	buf = append(buf, ' ')
	if name != "" {
		buf = append(buf, name...)
		buf = append(buf, ": "...)
	}
	buf = append(buf, msg...)

	l.r = l.r.Next()
	l.r.Value = string(buf)
}

// Dump returns buffered records, oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)
	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		res = append(res, v.(string))
	})
	return res
}
