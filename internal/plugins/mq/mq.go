// Package mq buffers agent calls made before the agent is ready and
// replays them, in order, once methods are attached. Entries pushed after
// that run straight away.
package mq

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// Prefix is stripped from method names, so "PFLO.addVar" and "addVar" are
// the same call.
const Prefix = "PFLO."

var ErrUnknownMethod = errors.New("unknown method")

// Entry is one queued call.
type Entry struct {
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
	// Callback, when set, receives the method's result.
	Callback func(result any, err error) `json:"-"`
}

// Method is a callable agent operation.
type Method func(args ...any) (any, error)

type Methods map[string]Method

// Queue is not safe for concurrent use; push from the agent's loop.
type Queue struct {
	pending  []Entry
	methods  Methods
	attached bool
	logf     func(format string, args ...any)
}

func New() *Queue {
	return &Queue{logf: log.Printf}
}

// Push runs the entries if methods are attached and buffers them otherwise.
func (q *Queue) Push(entries ...Entry) {
	if !q.attached {
		q.pending = append(q.pending, entries...)
		return
	}
	for _, e := range entries {
		q.call(e)
	}
}

// Attach binds the queue to methods and drains the buffer.
func (q *Queue) Attach(m Methods) {
	q.methods = m
	q.attached = true
	pending := q.pending
	q.pending = nil
	for _, e := range pending {
		q.call(e)
	}
}

// Len is the number of buffered entries.
func (q *Queue) Len() int { return len(q.pending) }

func (q *Queue) call(e Entry) {
	name := strings.TrimPrefix(e.Method, Prefix)
	fn, ok := q.methods[name]
	if !ok {
		q.logf("[mq] ignoring %q: %v", e.Method, ErrUnknownMethod)
		if e.Callback != nil {
			e.Callback(nil, fmt.Errorf("%q: %w", e.Method, ErrUnknownMethod))
		}
		return
	}
	res, err := fn(e.Args...)
	if err != nil {
		q.logf("[mq] %s: %v", name, err)
	}
	if e.Callback != nil {
		e.Callback(res, err)
	}
}

// Decode reads one JSON entry per line from r and hands each to fn. Blank
// lines are skipped; a malformed line is reported to fn's caller through
// the returned error only when reading stops.
func Decode(r io.Reader, fn func(Entry)) error {
	sc := bufio.NewScanner(r)
	var bad int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.Method == "" {
			bad++
			continue
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("mq: %d malformed entries skipped", bad)
	}
	return nil
}
