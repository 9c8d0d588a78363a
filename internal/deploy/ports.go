package deploy

import (
	"errors"
	"fmt"
)

// ErrPortTaken is returned when two stages claim the same external port.
var ErrPortTaken = errors.New("deploy: port already taken")

// PortChecker rejects duplicate external port claims across stages.
type PortChecker struct {
	ports map[int]string
}

// NewPortChecker returns an empty checker.
func NewPortChecker() *PortChecker {
	return &PortChecker{ports: map[int]string{}}
}

// Insert claims a port for owner.
func (c *PortChecker) Insert(port int, owner string) error {
	if prev, ok := c.ports[port]; ok {
		return fmt.Errorf("%w: %d claimed by %s and %s", ErrPortTaken, port, prev, owner)
	}
	c.ports[port] = owner
	return nil
}

// InsertInterval claims cnt consecutive ports starting at start.
func (c *PortChecker) InsertInterval(start, cnt int, owner string) error {
	for i := range cnt {
		if err := c.Insert(start+i, owner); err != nil {
			return err
		}
	}
	return nil
}

// Check reports whether a port is free and claims it if so.
func (c *PortChecker) Check(port int) bool {
	if _, ok := c.ports[port]; ok {
		return false
	}
	c.ports[port] = ""
	return true
}
