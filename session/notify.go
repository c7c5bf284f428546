package session

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoNotifySocket is returned when NOTIFY_SOCKET is not set.
var ErrNoNotifySocket = errors.New("NOTIFY_SOCKET is not set")

// Notifier delivers service manager notifications such as "READY=1".
type Notifier interface {
	Notify(state string) error
}

// SocketNotifier sends notifications as datagrams to the socket named by
// NOTIFY_SOCKET. A leading '@' denotes an abstract socket.
type SocketNotifier struct {
	Socket string
}

// Notify implements Notifier.
func (n SocketNotifier) Notify(state string) error {
	if n.Socket == "" {
		return ErrNoNotifySocket
	}

	addr := n.Socket
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("connecting to notify socket: %w", err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}

	return nil
}
