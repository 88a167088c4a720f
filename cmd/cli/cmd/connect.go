package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var connectCmd = &cobra.Command{
	Use:   "connect [url]",
	Short: "Attach the local terminal to a remote shell",
	Long: `Open a WebSocket session and attach the local terminal to the remote shell
in raw mode. Status messages from the server are printed on stderr.
Example: webterm connect ws://localhost:8080/ws --workspace acme/demo`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := getEnvOrDefault("WEBTERM_URL", "ws://localhost:8080/ws")
		if len(args) == 1 {
			target = args[0]
		}
		workspace, _ := cmd.Flags().GetString("workspace")

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, resp, err := dialer.Dial(wsURL(target), http.Header{})
		if err != nil {
			if resp != nil {
				return fmt.Errorf("failed to connect to %s: %s", target, resp.Status)
			}
			return fmt.Errorf("failed to connect to %s: %w", target, err)
		}
		defer conn.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		stdinFd := int(os.Stdin.Fd())
		if term.IsTerminal(stdinFd) {
			oldState, err := term.MakeRaw(stdinFd)
			if err != nil {
				return fmt.Errorf("set terminal raw mode: %w", err)
			}
			defer term.Restore(stdinFd, oldState)
		}

		return attach(ctx, conn, os.Stdin, os.Stdout, cmd.ErrOrStderr(), workspace)
	},
}

// wsURL maps http(s) URLs to their ws(s) equivalents.
func wsURL(target string) string {
	switch {
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://")
	}
	return target
}

// attach relays in to the remote shell as binary frames and remote output
// to out until the server closes the session, in reaches EOF, or ctx ends.
// Text frames are status messages and go to errOut.
func attach(ctx context.Context, conn *websocket.Conn, in io.Reader, out, errOut io.Writer, workspace string) error {
	if workspace != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(workspace)); err != nil {
			return fmt.Errorf("failed to request workspace: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				} else if ce := new(websocket.CloseError); errors.As(err, &ce) {
					err = fmt.Errorf("session closed: %s", ce.Text)
				}
				done <- err
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				out.Write(data)
			case websocket.TextMessage:
				fmt.Fprintf(errOut, "%s\r\n", strings.TrimRight(string(data), "\r\n"))
			}
		}
	}()

	inErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					inErr <- werr
					return
				}
			}
			if err != nil {
				inErr <- err
				return
			}
		}
	}()

	closeSession := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	select {
	case err := <-done:
		return err
	case err := <-inErr:
		closeSession()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		// Drain remaining output until the server acknowledges the close.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return err
	case <-ctx.Done():
		closeSession()
		return nil
	}
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().String("workspace", "", "Workspace slug to provision after connecting")
}
