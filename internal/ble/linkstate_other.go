//go:build !linux

package ble

// newLinkState returns nil; outside BlueZ the stack's connect handler
// reports dropped links.
func newLinkState(string) func() (bool, error) {
	return nil
}
