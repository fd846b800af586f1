package reactor

import (
	"errors"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errnoStatus converts a syscall error into a status error, mapping the
// common errno values onto canonical codes and falling back to Unknown.
func errnoStatus(err error, op string) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return status.Error(codes.Unknown, op+`: `+err.Error())
	}
	var code codes.Code
	switch errno {
	case unix.EINVAL, unix.ENAMETOOLONG, unix.E2BIG, unix.EDESTADDRREQ, unix.EDOM, unix.EFAULT, unix.EILSEQ, unix.ENOPROTOOPT, unix.ENOTSOCK, unix.EPROTOTYPE, unix.ESPIPE:
		code = codes.InvalidArgument
	case unix.ETIMEDOUT, unix.ETIME:
		code = codes.DeadlineExceeded
	case unix.ENODEV, unix.ENOENT, unix.ENXIO, unix.ESRCH:
		code = codes.NotFound
	case unix.EEXIST, unix.EADDRNOTAVAIL, unix.EALREADY:
		code = codes.AlreadyExists
	case unix.EPERM, unix.EACCES:
		code = codes.PermissionDenied
	case unix.ENOTEMPTY, unix.EISDIR, unix.ENOTDIR, unix.EADDRINUSE, unix.EBADF, unix.EBUSY, unix.EFBIG, unix.EISCONN, unix.ENOTCONN, unix.EPIPE:
		code = codes.FailedPrecondition
	case unix.ENOSPC, unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.EMLINK:
		code = codes.ResourceExhausted
	case unix.EAGAIN, unix.ECONNABORTED, unix.ECONNREFUSED, unix.ECONNRESET, unix.EHOSTDOWN, unix.EHOSTUNREACH, unix.ENETDOWN, unix.ENETRESET, unix.ENETUNREACH:
		code = codes.Unavailable
	case unix.EINTR, unix.ECANCELED:
		code = codes.Canceled
	case unix.ENOSYS, unix.ENOTSUP:
		code = codes.Unimplemented
	default:
		code = codes.Unknown
	}
	return status.Error(code, op+`: `+errno.Error())
}

func invalidArgument(msg string) error      { return status.Error(codes.InvalidArgument, msg) }
func failedPrecondition(msg string) error   { return status.Error(codes.FailedPrecondition, msg) }
func abortedError(msg string) error         { return status.Error(codes.Aborted, msg) }
func cancelledError(msg string) error       { return status.Error(codes.Canceled, msg) }
func deadlineExceededError(msg string) error { return status.Error(codes.DeadlineExceeded, msg) }
