package cluster

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// The handshake is a fixed-size challenge/response: the master sends a
// random 32-byte challenge, the worker answers with
// HMAC-SHA256(secret, challenge). An empty secret still runs the exchange
// so the wire shape doesn't depend on configuration.
const challengeSize = 32

func computeMAC(secret string, challenge []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(challenge)
	return mac.Sum(nil)
}

// serverHandshake authenticates a connecting worker. It also reads the
// peer's Unix credentials and rejects a peer running as a different user,
// closing the hole where any local process could guess the socket path.
func serverHandshake(conn *net.UnixConn, secret string) error {
	if err := checkPeerCredentials(conn); err != nil {
		return err
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("cluster: generating challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("cluster: sending challenge: %w", err)
	}

	response := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("cluster: reading handshake response: %w", err)
	}

	if !hmac.Equal(response, computeMAC(secret, challenge)) {
		return fmt.Errorf("cluster: worker handshake HMAC mismatch")
	}
	return nil
}

// clientHandshake answers the master's challenge.
func clientHandshake(conn net.Conn, secret string) error {
	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("cluster: reading challenge: %w", err)
	}
	if _, err := conn.Write(computeMAC(secret, challenge)); err != nil {
		return fmt.Errorf("cluster: sending handshake response: %w", err)
	}
	return nil
}

// checkPeerCredentials verifies the connecting process runs as the same
// UID as the master via SO_PEERCRED.
func checkPeerCredentials(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("cluster: raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("cluster: reading peer credentials: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("cluster: SO_PEERCRED: %w", credErr)
	}

	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("cluster: peer uid %d does not match master uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
