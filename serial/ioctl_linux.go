package serial

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Only the termios2 get/set requests are needed: Port.GetAttr2/SetAttr2 are
// the sole ioctls this driver issues, since the custom-baud-rate path is
// the only attribute surface anything above serial reaches.
var (
	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))
)
