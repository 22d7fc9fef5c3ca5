package relayer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/core/module"
	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
)

// startRepl serves a line based debug console on the configured unix socket.
func (r *Relayer) startRepl() error {
	listener, err := net.Listen("unix", r.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.config.SocketPath, err)
	}
	r.replListener = listener
	r.logger.Info("repl listening", "socket", r.config.SocketPath)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if r.IsShutdown() || errors.Is(err, net.ErrClosed) {
					return
				}
				r.logger.Warn("repl accept failed", "error", err)
				continue
			}
			go r.handleReplConnection(conn)
		}
	}()
	return nil
}

func (r *Relayer) stopRepl() {
	if r.replListener != nil {
		r.replListener.Close()
	}
}

func (r *Relayer) handleReplConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	fmt.Fprintln(conn, "safe4337 relayer REPL")
	fmt.Fprintln(conn, "-------------------------")

	for {
		fmt.Fprint(conn, "> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("repl read failed", "error", err)
			}
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		parts := strings.SplitN(input, " ", 2)
		command := strings.ToLower(parts[0])
		arg := ""
		if len(parts) == 2 {
			arg = strings.TrimSpace(parts[1])
		}

		switch command {
		case "list":
			if arg == "" {
				fmt.Fprintln(conn, "Usage: list <prefix> or list *")
				continue
			}
			prefix := strings.TrimSuffix(arg, "*")
			items, err := r.db.GetByPrefix([]byte(prefix))
			if err != nil {
				fmt.Fprintln(conn, "error:", err)
				continue
			}
			for _, item := range items {
				fmt.Fprintln(conn, string(item.Key))
			}
		case "get":
			if arg == "" {
				fmt.Fprintln(conn, "Usage: get <key>")
				continue
			}
			value, err := r.db.GetKey([]byte(arg))
			if err != nil {
				fmt.Fprintln(conn, "error:", err)
				continue
			}
			fmt.Fprintln(conn, string(value))
		case "state":
			if !common.IsHexAddress(arg) {
				fmt.Fprintln(conn, "Usage: state <safe address>")
				continue
			}
			r.replState(conn, common.HexToAddress(arg))
		case "receipt":
			if arg == "" {
				fmt.Fprintln(conn, "Usage: receipt <request id>")
				continue
			}
			r.replReceipt(conn, common.HexToHash(arg))
		case "exit":
			fmt.Fprintln(conn, "Exiting...")
			return
		default:
			fmt.Fprintln(conn, "Unknown command:", command)
		}
	}
}

func (r *Relayer) replState(w io.Writer, safe common.Address) {
	st, err := module.Inspect(r.host, safe)
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	balance, err := r.host.Balance(safe)
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	fmt.Fprintf(w, "nonce=%s phase=%s balance=%s ether\n", st.Nonce.String(), st.Phase, prefund.ToEther(balance).String())
	if st.Phase == module.Committed {
		fmt.Fprintf(w, "commitment=%s\n", st.Commitment.Hex())
	}
}

func (r *Relayer) replReceipt(w io.Writer, requestID common.Hash) {
	receipt, err := r.Receipt(requestID)
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	if receipt == nil {
		fmt.Fprintln(w, "not found")
		return
	}
	out, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		fmt.Fprintln(w, "error:", err)
		return
	}
	fmt.Fprintln(w, string(out))
}
