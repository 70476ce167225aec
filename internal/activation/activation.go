// Package activation provides the webhook server's listening socket,
// taking it from systemd socket activation when the unit is socket
// activated.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is SD_LISTEN_FDS_START: fds 0-2 are stdio
const firstFD = 3

// Socket is one activated listener and its FileDescriptorName=
type Socket struct {
	Name     string
	Listener net.Listener
}

// activationEnv is the parsed LISTEN_* environment
type activationEnv struct {
	count int
	names []string
}

// parseEnv reads the LISTEN_* variables. It returns a zero count when the
// activation is absent or meant for another process.
func parseEnv(getenv func(string) string, pid int) (activationEnv, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return activationEnv{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return activationEnv{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return activationEnv{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return activationEnv{}, nil
	}

	env := activationEnv{count: count, names: make([]string, count)}
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		for i, name := range strings.Split(raw, ":") {
			if i < count {
				env.names[i] = name
			}
		}
	}
	return env, nil
}

// Sockets returns the listeners systemd passed to this process, or nil
// without socket activation. The LISTEN_* variables are cleared so child
// processes such as git do not inherit them.
func Sockets() ([]Socket, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || env.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(i))
		if file == nil {
			closeSockets(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// the listener holds its own dup of the fd
		_ = file.Close()
		if err != nil {
			closeSockets(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: env.names[i], Listener: listener})
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	return sockets, nil
}

// Listen returns the activated socket named name (or the first one when
// name is empty or unmatched), falling back to a TCP listener on addr.
// The bool reports whether the listener came from systemd.
func Listen(addr, name string) (net.Listener, bool, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}
	if ln := pick(sockets, name); ln != nil {
		return ln, true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// pick selects a listener by name and closes the others
func pick(sockets []Socket, name string) net.Listener {
	if len(sockets) == 0 {
		return nil
	}
	chosen := 0
	for i, s := range sockets {
		if name != "" && s.Name == name {
			chosen = i
			break
		}
	}
	for i, s := range sockets {
		if i != chosen {
			_ = s.Listener.Close()
		}
	}
	return sockets[chosen].Listener
}

func closeSockets(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
