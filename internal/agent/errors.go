package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pageflo/pflo/internal/host"
)

// AddError records an internal failure. It rides on the next beacon as
// part of the errors digest. Repeats of a message from the same source are
// counted on the line of the first occurrence. Cross-origin refusals are
// expected and dropped.
func (a *Agent) AddError(err error, src string, extra ...string) {
	if err == nil || errors.Is(err, host.ErrCrossOrigin) {
		return
	}
	a.logf("[agent] caught error: %v, src: %s", err, src)

	msg := err.Error()
	if len(extra) > 0 {
		msg += ":: " + strings.Join(extra, ":: ")
	}
	key := src + "\x00" + msg

	if e, ok := a.errors[key]; ok {
		e.count++
		return
	}
	if src != "" {
		msg = fmt.Sprintf("[%s:%d] %s", src, a.sched.Now().UnixMilli(), msg)
	}
	e := &tally{line: msg, count: 1}
	a.errors[key] = e
	a.errorOrder = append(a.errorOrder, e)
}

type tally struct {
	line  string
	count int
}

// report adapts AddError for the bus and the plugin registry.
func (a *Agent) report(err error, src string) {
	a.AddError(err, src)
}

func (a *Agent) errorDigest() string {
	lines := make([]string, 0, len(a.errorOrder))
	for _, e := range a.errorOrder {
		if e.count > 1 {
			lines = append(lines, fmt.Sprintf("%s (*%d)", e.line, e.count))
		} else {
			lines = append(lines, e.line)
		}
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) clearErrors() {
	clear(a.errors)
	a.errorOrder = nil
}

// guard runs fn, recording a panic instead of propagating it.
func (a *Agent) guard(src string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.AddError(fmt.Errorf("panic: %v", r), src)
		}
	}()
	fn()
}
