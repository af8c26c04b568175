package neo

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ControlSocket serves a line-oriented control protocol over a Unix
// domain socket (spec §3's external interfaces): one command per
// connection, "update-credentials <path-to-new-credentials-file>" being
// the one this package implements directly.
type ControlSocket struct {
	path   string
	store  *CredentialStore
	logger *slog.Logger

	ln net.Listener
}

// NewControlSocket binds a Unix socket at path, removing any stale socket
// file left over from a prior process first.
func NewControlSocket(path string, store *CredentialStore, logger *slog.Logger) (*ControlSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &ControlSocket{path: path, store: store, logger: logger, ln: ln}, nil
}

// Close stops accepting new connections and removes the socket file.
func (s *ControlSocket) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

// Serve accepts connections until ctx is done or Close is called.
func (s *ControlSocket) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(conn)
	}
}

func (s *ControlSocket) handle(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	line := strings.TrimSpace(sc.Text())
	reply := s.dispatch(line)
	fmt.Fprintln(conn, reply)
}

func (s *ControlSocket) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}
	switch fields[0] {
	case "update-credentials":
		if len(fields) != 2 {
			return "error: usage: update-credentials <path>"
		}
		creds, err := ParseCredentialsFile(fields[1])
		if err != nil {
			s.logger.Warn("update-credentials failed", "err", err)
			return "Error updating credentials: " + err.Error()
		}
		s.store.Replace(creds)
		s.logger.Info("credentials updated", "name", creds.Name)
		return "Credentials updated."
	default:
		return "error: unknown command " + fields[0]
	}
}
