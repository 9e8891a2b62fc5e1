package stack

import (
	"fmt"
	"time"
)

type Component uint8

const (
	CompFailure Component = iota + 1
	CompMerge
	CompOrder
)

type Purpose uint8

const (
	PurposeHeartbeat Purpose = iota + 1
	PurposeWait
	PurposeTerminate
	PurposeInfo
)

// TimerTag identifies a timer firing. Epoch is the view epoch for periodic
// timers and the merge epoch for WAIT and TERMINATE; a firing whose epoch
// is no longer current is ignored.
type TimerTag struct {
	Component Component
	Epoch     uint64
	Purpose   Purpose
}

func (t TimerTag) String() string {
	return fmt.Sprintf("timer(%d/%d@%d)", t.Component, t.Purpose, t.Epoch)
}

type Timer interface {
	Stop() bool
}

// Clock is the elapsed-time source of a stack.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
