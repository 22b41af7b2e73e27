package channel

import (
	"fmt"

	"github.com/myriadlabs/udpchan/pkg/rawfile"
)

// PortUnreachableError wraps a native ECONNREFUSED surfaced on a connected
// channel, mirroring the ICMP port-unreachable condition the kernel
// reports back to a connected UDP socket's send/recv calls.
type PortUnreachableError struct {
	Err error
}

func (e *PortUnreachableError) Error() string {
	return fmt.Sprintf("channel: port unreachable: %v", e.Err)
}

func (e *PortUnreachableError) Unwrap() error { return e.Err }

// translateIOErr applies the connected-ECONNREFUSED-to-PortUnreachable
// rule shared by the write and read paths.
func translateIOErr(err error, connected bool) error {
	if connected && rawfile.IsConnectionRefused(err) {
		return &PortUnreachableError{Err: err}
	}
	return err
}
