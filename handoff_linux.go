package wsys

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/glycerine/wsys/wire"
)

// Linux carries endpoints with SCM_RIGHTS and identities with
// SCM_CREDENTIALS over the AF_UNIX control connection.

var (
	ErrNoCredentials    = errors.New("wsys: authenticate arrived without credentials")
	ErrNotAuthenticated = errors.New("wsys: control message before authentication")
	ErrBadHandoff       = errors.New("wsys: new-channel needs exactly one descriptor")
	ErrControlTruncated = errors.New("wsys: control ancillary data truncated, descriptors lost")
)

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// streamPair makes a connected, non-blocking byte-stream pair:
// one end to keep, one to hand off.
func streamPair() (local, remote int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, errors.Wrap(err, "socketpair")
	}
	return fds[0], fds[1], nil
}

// handOff sends ctl on the control connection with endpoint
// attached as an out-of-band descriptor. The caller keeps
// ownership of endpoint and closes it after success.
func handOff(ctlFD int, ctl wire.Control, endpoint int) error {
	var oob []byte
	if endpoint >= 0 {
		oob = unix.UnixRights(endpoint)
	}
	by := wire.EncodeControl(ctl)
	n, err := unix.SendmsgN(ctlFD, by, oob, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return err
	}
	if n != len(by) {
		// ancillary data only rides with the first byte, so a
		// split control message cannot be resumed.
		return errors.Errorf("short control write %v of %v", n, len(by))
	}
	return nil
}

// sendAuthenticate sends the authenticate control message
// with our credentials, which the kernel checks.
func sendAuthenticate(ctlFD int) error {
	cred := &unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	by := wire.EncodeControl(wire.Control{Type: wire.CtrlAuthenticate})
	return unix.Sendmsg(ctlFD, by, unix.UnixCredentials(cred), nil, unix.MSG_NOSIGNAL)
}

// ctlRead is one recvmsg worth of control connection input.
type ctlRead struct {
	n    int
	fds  []int
	cred *unix.Ucred
}

// readControl reads whatever is available on the control
// connection, with any descriptors and credentials that came
// along. n == 0 with a nil error means orderly close.
func readControl(ctlFD int, buf, oob []byte) (r ctlRead, err error) {
	n, oobn, flags, _, err := unix.Recvmsg(ctlFD, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return r, err
	}
	r.n = n
	if flags&unix.MSG_CTRUNC != 0 {
		if got, perr := parseControl(oob[:oobn]); perr == nil {
			closeFDs(got.fds)
		}
		return ctlRead{}, ErrControlTruncated
	}
	if oobn == 0 {
		return r, nil
	}
	got, err := parseControl(oob[:oobn])
	if err != nil {
		return r, err
	}
	r.fds, r.cred = got.fds, got.cred
	return r, nil
}

func parseControl(oob []byte) (r ctlRead, err error) {
	if len(oob) == 0 {
		return r, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return r, errors.Wrap(err, "parse control ancillary data")
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch m.Header.Type {
		case unix.SCM_RIGHTS:
			fds, err := unix.ParseUnixRights(m)
			if err != nil {
				return r, errors.Wrap(err, "parse SCM_RIGHTS")
			}
			r.fds = append(r.fds, fds...)
		case unix.SCM_CREDENTIALS:
			cred, err := unix.ParseUnixCredentials(m)
			if err != nil {
				return r, errors.Wrap(err, "parse SCM_CREDENTIALS")
			}
			r.cred = cred
		}
	}
	return r, nil
}

// oobSpace fits one descriptor plus one set of credentials.
func oobSpace() int {
	return unix.CmsgSpace(4*4) + unix.CmsgSpace(unix.SizeofUcred)
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
