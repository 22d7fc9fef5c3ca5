package relayer_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/AvaProtocol/safe4337/core/testutil"
)

func TestReplCommands(t *testing.T) {
	f := newFixture(t)
	requestID, err := f.client.SendUserOperation(context.Background(), f.op(0, tu.IncrementCallData()), tu.EntryPointAddress)
	require.NoError(t, err)

	f.cfg.SocketPath = filepath.Join(t.TempDir(), "repl.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", f.cfg.SocketPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	reader := bufio.NewReader(conn)
	// reads until the next prompt
	run := func(cmd string) string {
		if cmd != "" {
			_, err := conn.Write([]byte(cmd + "\n"))
			require.NoError(t, err)
		}
		var out strings.Builder
		for {
			b, err := reader.ReadByte()
			require.NoError(t, err)
			out.WriteByte(b)
			if strings.HasSuffix(out.String(), "> ") {
				return out.String()
			}
		}
	}

	assert.Contains(t, run(""), "REPL")
	assert.Contains(t, run("state "+tu.SafeAddress.Hex()), "nonce=1 phase=idle")
	assert.Contains(t, run("receipt "+requestID.Hex()), `"success": true`)
	assert.Contains(t, run("receipt 0x01"), "not found")
	assert.Contains(t, run("list j:"), "j:")
	assert.Contains(t, run("get missing"), "error:")
	assert.Contains(t, run("bogus"), "Unknown command: bogus")

	_, err = conn.Write([]byte("exit\n"))
	require.NoError(t, err)
	line, _ := reader.ReadString('\n')
	assert.Contains(t, line, "Exiting")
}
