package endpoint

import "syscall"

// sendfileRegion sends count bytes from inFd starting at offset to outFd
// via the zero-copy sendfile(2) syscall and returns the number of bytes
// actually sent; offset itself is not modified (callers advance their
// own position by the returned count). Callers treat ENOSYS/EINVAL as "fall back to
// read+write" and EAGAIN as "stop here until the next flush interest".
func sendfileRegion(outFd, inFd int, offset int64, count int) (int, error) {
	off := offset
	return syscall.Sendfile(outFd, inFd, &off, count)
}
