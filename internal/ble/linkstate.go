package ble

import "strings"

// bluezAdapterID is the controller behind bluetooth.DefaultAdapter on Linux.
const bluezAdapterID = "hci0"

// bluezDevicePath returns the BlueZ object path of a peripheral, for example
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func bluezDevicePath(adapterID, address string) string {
	return "/org/bluez/" + adapterID + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}
