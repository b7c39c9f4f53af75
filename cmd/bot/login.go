package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/session"
	"github.com/user/groupbot/internal/whatsapp"
	"github.com/user/groupbot/pkg/logger"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [session]",
		Short: "Pair a session by scanning a QR code in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLogin,
	}
	cmd.Flags().Duration("timeout", 3*time.Minute, "how long to wait for the scan")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.close()

	name := a.sessionName(args)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	h := newLoginHandler(cmd.OutOrStdout())
	client, err := a.connector.Open(ctx, name, h)
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", name, err)
	}
	defer client.Close()

	if client.IsLoggedIn() {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s is already logged in as %s\n", name, client.Identity())
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("login of session %s did not complete: %w", name, ctx.Err())
	case err := <-h.done:
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s logged in as %s\n", name, client.Identity())
	logger.Info().Str("session", name).Msg("Session paired")
	return nil
}

// loginHandler prints QR codes and reports when pairing ends.
type loginHandler struct {
	out  io.Writer
	done chan error
}

func newLoginHandler(out io.Writer) *loginHandler {
	return &loginHandler{out: out, done: make(chan error, 1)}
}

func (h *loginHandler) HandleQR(qr provider.QR) {
	if f, ok := h.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		qrterminal.GenerateHalfBlock(qr.Code, qrterminal.L, h.out)
		fmt.Fprintln(h.out, "Scan the QR code with WhatsApp > Linked devices")
		return
	}
	fmt.Fprintln(h.out, qr.Code)
}

func (h *loginHandler) HandleStatus(status string) {
	switch {
	case session.IsConnected(status):
		h.finish(nil)
	case status == whatsapp.StatusQRTimeout:
		h.finish(fmt.Errorf("QR code was not scanned in time"))
	case status == whatsapp.StatusLoggedOut:
		h.finish(fmt.Errorf("pairing was rejected"))
	}
}

func (h *loginHandler) HandleMessage(provider.IncomingMessage) {}

func (h *loginHandler) finish(err error) {
	select {
	case h.done <- err:
	default:
	}
}
